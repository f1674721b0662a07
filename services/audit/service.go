package audit

import (
	"encoding/json"
	"time"

	"github.com/keyfort/keyfort/services/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service appends to the audit trail. The trail is append-only: nothing
// in this package updates or deletes entries once written.
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

type Event struct {
	UserID    string
	SessionID string
	Action    string
	Success   bool
	IPAddress string
	UserAgent string
	Details   map[string]any
}

// Record appends the event. A storage failure never propagates to the
// caller: the guarded operation has already happened and its outcome
// must not depend on the trail being writable. Failures are logged at
// error level so operators can alert on them.
func (s *Service) Record(event Event) {
	entry := Entry{
		UserID:    event.UserID,
		SessionID: event.SessionID,
		Action:    event.Action,
		Success:   event.Success,
		IPAddress: event.IPAddress,
		UserAgent: event.UserAgent,
		CreatedAt: s.now().UTC(),
	}

	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err != nil {
			if s.logger != nil {
				s.logger.Error("failed to serialize audit details",
					zap.String("action", event.Action),
					zap.Error(err))
			}
		} else {
			entry.Details = string(details)
		}
	}

	if err := s.db.Create(&entry).Error; err != nil {
		if s.logger != nil {
			s.logger.Error("failed to record audit entry",
				zap.String("action", event.Action),
				zap.String("user_id", event.UserID),
				zap.Error(err))
		}
		return
	}

	if s.logger != nil {
		s.logger.Debug("audit entry recorded",
			zap.String("action", event.Action),
			zap.String("user_id", event.UserID),
			zap.Bool("success", event.Success))
	}
}

// ListForUser returns the newest entries for one subject, capped at limit.
func (s *Service) ListForUser(userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	var entries []Entry
	err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// ListForSession returns the newest entries tied to one session.
func (s *Service) ListForSession(sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	var entries []Entry
	err := s.db.Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	return entries, nil
}
