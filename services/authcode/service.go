package authcode

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/audit"
	"github.com/keyfort/keyfort/services/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrCodeNotFound         = errors.New("authorization code not found")
	ErrCodeExpired          = errors.New("authorization code expired")
	ErrCodeAlreadyUsed      = errors.New("authorization code already used")
	ErrCodeCollision        = errors.New("authorization code collision")
	ErrVerifierMismatch     = errors.New("code verifier does not match challenge")
	ErrChallengeRequired    = errors.New("a valid S256 code challenge is required")
	ErrSubjectRequired      = errors.New("identity subject is required")
	ErrCodeGenerationFailed = errors.New("failed to generate authorization code")
)

// Service issues and redeems single-use authorization codes. A code
// binds a proven identity to a PKCE challenge; redeeming it with the
// matching verifier is the only way to turn it into a session.
type Service struct {
	db       *gorm.DB
	config   *config.Config
	logger   *logging.Service
	audit    *audit.Service
	now      func() time.Time
	generate func() (string, error)
}

func NewService(db *gorm.DB, cfg *config.Config, logger *logging.Service, auditSvc *audit.Service) *Service {
	if logger != nil {
		logger.Info("initializing authorization code service",
			zap.Duration("code_expiry", cfg.AuthCode.Expiry),
			zap.Int("code_length", cfg.AuthCode.CodeLength))
	}

	service := &Service{
		db:     db,
		config: cfg,
		logger: logger,
		audit:  auditSvc,
		now:    time.Now,
	}
	service.generate = service.generateCode

	return service
}

// Issue mints one code for the identity. It makes a single generation
// attempt: on the (vanishingly rare) collision with an existing code it
// returns ErrCodeCollision and the caller decides whether to retry.
func (s *Service) Issue(identity Identity, codeChallenge string, meta RequestMeta) (*IssuedCode, error) {
	if identity.UserID == "" {
		return nil, ErrSubjectRequired
	}
	if !validChallenge(codeChallenge) {
		if s.logger != nil {
			s.logger.Warn("authorization code issue rejected - invalid code challenge",
				zap.String("user_id", identity.UserID))
		}
		return nil, ErrChallengeRequired
	}

	code, err := s.generate()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to generate authorization code", zap.Error(err))
		}
		return nil, ErrCodeGenerationFailed
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.config.AuthCode.Expiry)

	row := AuthorizationCode{
		Code:                code,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: ChallengeMethodS256,
		UserID:              identity.UserID,
		Email:               identity.Email,
		WalletAddress:       identity.WalletAddress,
		DeviceFingerprint:   meta.DeviceFingerprint,
		IPAddress:           meta.IPAddress,
		UserAgent:           meta.UserAgent,
		Status:              StatusPending,
		CreatedAt:           now,
		ExpiresAt:           expiresAt,
	}

	if err := s.db.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrCodeCollision
		}
		var existing AuthorizationCode
		if lookupErr := s.db.Where("code = ?", code).First(&existing).Error; lookupErr == nil {
			return nil, ErrCodeCollision
		}
		if s.logger != nil {
			s.logger.Error("failed to store authorization code", zap.Error(err))
		}
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}

	if s.audit != nil {
		s.audit.Record(audit.Event{
			UserID:    identity.UserID,
			Action:    audit.ActionCodeIssued,
			Success:   true,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Details:   map[string]any{"expires_at": expiresAt},
		})
	}

	if s.logger != nil {
		s.logger.Info("authorization code issued",
			zap.String("user_id", identity.UserID),
			zap.Time("expires_at", expiresAt))
	}

	return &IssuedCode{Code: code, ExpiresAt: expiresAt}, nil
}

// Redeem exchanges a pending code and its verifier for the bound
// identity. Exactly one concurrent redemption can win: completion is a
// conditional update guarded on pending status.
func (s *Service) Redeem(code, codeVerifier string) (*Identity, error) {
	now := s.now().UTC()

	var row AuthorizationCode
	var identity *Identity

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("code = ?", code).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCodeNotFound
			}
			return fmt.Errorf("failed to look up authorization code: %w", err)
		}

		switch row.Status {
		case StatusCompleted:
			return ErrCodeAlreadyUsed
		case StatusExpired:
			return ErrCodeExpired
		}

		if now.After(row.ExpiresAt) {
			if err := tx.Model(&AuthorizationCode{}).
				Where("id = ? AND status = ?", row.ID, StatusPending).
				Update("status", StatusExpired).Error; err != nil {
				return fmt.Errorf("failed to expire authorization code: %w", err)
			}
			return ErrCodeExpired
		}

		if !VerifyChallenge(row.CodeChallenge, codeVerifier) {
			return ErrVerifierMismatch
		}

		result := tx.Model(&AuthorizationCode{}).
			Where("id = ? AND status = ?", row.ID, StatusPending).
			Updates(map[string]any{"status": StatusCompleted, "used_at": now})
		if result.Error != nil {
			return fmt.Errorf("failed to complete authorization code: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// A concurrent redemption won the race.
			return ErrCodeAlreadyUsed
		}

		identity = &Identity{
			UserID:        row.UserID,
			Email:         row.Email,
			WalletAddress: row.WalletAddress,
		}
		return nil
	})

	s.auditRedeem(&row, txErr)

	if txErr != nil {
		if s.logger != nil {
			s.logger.Warn("authorization code redemption failed", zap.Error(txErr))
		}
		return nil, txErr
	}

	if s.logger != nil {
		s.logger.Info("authorization code redeemed",
			zap.String("user_id", identity.UserID))
	}

	return identity, nil
}

func (s *Service) auditRedeem(row *AuthorizationCode, outcome error) {
	if s.audit == nil || row.ID == 0 {
		return
	}

	event := audit.Event{
		UserID:    row.UserID,
		Action:    audit.ActionCodeRedeemed,
		Success:   outcome == nil,
		IPAddress: row.IPAddress,
		UserAgent: row.UserAgent,
	}
	if outcome != nil {
		event.Details = map[string]any{"reason": outcome.Error()}
	}
	s.audit.Record(event)
}

// SweepExpired flips pending codes past their deadline to expired.
// Redemption already expires lazily; this keeps the table tidy for
// operators browsing it.
func (s *Service) SweepExpired() (int64, error) {
	result := s.db.Model(&AuthorizationCode{}).
		Where("status = ? AND expires_at < ?", StatusPending, s.now().UTC()).
		Update("status", StatusExpired)
	if result.Error != nil {
		if s.logger != nil {
			s.logger.Error("failed to sweep expired authorization codes", zap.Error(result.Error))
		}
		return 0, fmt.Errorf("failed to sweep expired authorization codes: %w", result.Error)
	}

	if s.logger != nil && result.RowsAffected > 0 {
		s.logger.Info("swept expired authorization codes", zap.Int64("count", result.RowsAffected))
	}

	return result.RowsAffected, nil
}

func (s *Service) StartSweepWorker(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			if _, err := s.SweepExpired(); err != nil && s.logger != nil {
				s.logger.Error("authorization code sweep worker failed", zap.Error(err))
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info("started authorization code sweep worker",
			zap.Duration("interval", interval))
	}
}

func (s *Service) generateCode() (string, error) {
	codeBytes := make([]byte, s.config.AuthCode.CodeLength)
	if _, err := rand.Read(codeBytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(codeBytes), nil
}
