package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"github.com/keyfort/keyfort/services/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidLimit = errors.New("rate limit and window must be positive")

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Service counts admitted requests per principal over a sliding window.
// The window is a log of individual hits rather than a fixed bucket, so
// a burst at the end of one minute cannot be doubled at the start of
// the next.
type Service struct {
	db     *gorm.DB
	logger *logging.Service
	now    func() time.Time
}

func NewService(db *gorm.DB, logger *logging.Service) *Service {
	return &Service{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Admit checks and records in one step. When the principal is at the
// limit the request is denied and nothing is recorded; otherwise a hit
// is recorded and counts against subsequent requests.
func (s *Service) Admit(principal string, limit int, window time.Duration) (*Decision, error) {
	if limit <= 0 || window <= 0 {
		return nil, ErrInvalidLimit
	}

	now := s.now().UTC()
	cutoff := now.Add(-window)

	var decision *Decision
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Hit{}).
			Where("principal = ? AND timestamp > ?", principal, cutoff).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count rate limit hits: %w", err)
		}

		if count >= int64(limit) {
			resetAt := now.Add(window)
			var oldest Hit
			err := tx.Where("principal = ? AND timestamp > ?", principal, cutoff).
				Order("timestamp ASC").
				First(&oldest).Error
			if err == nil {
				resetAt = oldest.Timestamp.Add(window)
			}

			decision = &Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
			return nil
		}

		hit := Hit{
			Principal: principal,
			Timestamp: now,
			ExpiresAt: now.Add(window),
		}
		if err := tx.Create(&hit).Error; err != nil {
			return fmt.Errorf("failed to record rate limit hit: %w", err)
		}

		decision = &Decision{
			Allowed:   true,
			Remaining: limit - int(count) - 1,
			ResetAt:   now.Add(window),
		}
		return nil
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Error("rate limit admission failed",
				zap.String("principal", principal),
				zap.Error(err))
		}
		return nil, err
	}

	if !decision.Allowed && s.logger != nil {
		s.logger.Warn("rate limit exceeded",
			zap.String("principal", principal),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Time("reset_at", decision.ResetAt))
	}

	return decision, nil
}

// Reset clears the window for one principal.
func (s *Service) Reset(principal string) error {
	result := s.db.Where("principal = ?", principal).Delete(&Hit{})
	if result.Error != nil {
		if s.logger != nil {
			s.logger.Error("failed to reset rate limit",
				zap.String("principal", principal),
				zap.Error(result.Error))
		}
		return fmt.Errorf("failed to reset rate limit: %w", result.Error)
	}

	if s.logger != nil {
		s.logger.Info("rate limit reset",
			zap.String("principal", principal),
			zap.Int64("hits_cleared", result.RowsAffected))
	}

	return nil
}

// SweepExpired deletes hits whose windows have fully passed, in bounded
// batches so a large backlog cannot hold a long transaction open.
func (s *Service) SweepExpired(batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	for {
		var ids []uint
		err := s.db.Model(&Hit{}).
			Where("expires_at < ?", s.now().UTC()).
			Limit(batchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return total, fmt.Errorf("failed to query expired rate limit hits: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		result := s.db.Where("id IN ?", ids).Delete(&Hit{})
		if result.Error != nil {
			return total, fmt.Errorf("failed to delete expired rate limit hits: %w", result.Error)
		}
		total += result.RowsAffected

		if len(ids) < batchSize {
			break
		}
	}

	if s.logger != nil && total > 0 {
		s.logger.Debug("swept expired rate limit hits", zap.Int64("count", total))
	}

	return total, nil
}

func (s *Service) StartSweepWorker(interval time.Duration, batchSize int) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			if _, err := s.SweepExpired(batchSize); err != nil && s.logger != nil {
				s.logger.Error("rate limit sweep worker failed", zap.Error(err))
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info("started rate limit sweep worker",
			zap.Duration("interval", interval),
			zap.Int("batch_size", batchSize))
	}
}
