package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/audit"
	"github.com/keyfort/keyfort/services/logging"
	"github.com/keyfort/keyfort/services/token"
	"github.com/mileusna/useragent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUserRequired    = errors.New("user id is required")
	ErrNoTokenService  = errors.New("refresh token service not configured")
)

// Service owns session rows: creation with a fresh credential pair,
// access-token validation, revocation, and the expiry sweep. Token-state
// transitions stay with the refresh-token service; this store only ever
// touches session rows.
type Service struct {
	db            *gorm.DB
	config        *config.Config
	logger        *logging.Service
	audit         *audit.Service
	tokens        *token.Service
	refreshTokens RefreshTokenService
	now           func() time.Time
}

func NewService(db *gorm.DB, cfg *config.Config, logger *logging.Service, auditSvc *audit.Service, tokens *token.Service) *Service {
	return &Service{
		db:     db,
		config: cfg,
		logger: logger,
		audit:  auditSvc,
		tokens: tokens,
		now:    time.Now,
	}
}

// SetRefreshTokenService wires the refresh-token collaborator after
// construction. The dependency runs the other way at build time, so the
// concrete service cannot be a constructor argument.
func (s *Service) SetRefreshTokenService(refreshTokens RefreshTokenService) {
	s.refreshTokens = refreshTokens
}

// Create opens a session for the user on the described device and mints
// its first access/refresh pair.
func (s *Service) Create(userID string, device DeviceInfo) (*Created, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if s.refreshTokens == nil {
		return nil, ErrNoTokenService
	}

	sessionID := uuid.New().String()
	now := s.now().UTC()

	accessToken, accessExpiresAt, err := s.tokens.Issue(userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	minted, err := s.refreshTokens.MintForSession(sessionID, userID, device.DeviceFingerprint, device.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to mint refresh token: %w", err)
	}

	sess := Session{
		ID:                sessionID,
		UserID:            userID,
		DeviceID:          device.DeviceID,
		DeviceFingerprint: device.DeviceFingerprint,
		DeviceName:        deviceName(device.UserAgent),
		Platform:          device.Platform,
		IPAddress:         device.IPAddress,
		UserAgent:         device.UserAgent,
		CurrentTokenID:    minted.TokenID,
		AccessExpiresAt:   accessExpiresAt,
		RefreshExpiresAt:  minted.ExpiresAt,
		IsActive:          true,
		CreatedAt:         now,
		LastActivityAt:    now,
	}

	if err := s.db.Create(&sess).Error; err != nil {
		// The minted chain root would otherwise dangle.
		if _, revokeErr := s.refreshTokens.RevokeChain(sessionID, "session_create_failed"); revokeErr != nil && s.logger != nil {
			s.logger.Error("failed to revoke orphaned refresh token",
				zap.String("session_id", sessionID),
				zap.Error(revokeErr))
		}
		if s.logger != nil {
			s.logger.Error("failed to store session", zap.Error(err))
		}
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	if s.audit != nil {
		s.audit.Record(audit.Event{
			UserID:    userID,
			SessionID: sessionID,
			Action:    audit.ActionSessionCreated,
			Success:   true,
			IPAddress: device.IPAddress,
			UserAgent: device.UserAgent,
			Details:   map[string]any{"device_name": sess.DeviceName},
		})
	}

	if s.logger != nil {
		s.logger.Info("session created",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.String("device_name", sess.DeviceName))
	}

	return &Created{
		Session:          sess,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     minted.Raw,
		RefreshExpiresAt: minted.ExpiresAt,
	}, nil
}

// ValidateAccessToken is a pure read: it never refreshes and never
// mutates. The error return is for storage failures only; verification
// outcomes travel in the Validation.
func (s *Service) ValidateAccessToken(raw string) (*Validation, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpiredToken) {
			return &Validation{Valid: false, Reason: ReasonTokenExpired}, nil
		}
		return &Validation{Valid: false, Reason: ReasonTokenNotFound}, nil
	}

	var sess Session
	if err := s.db.Where("id = ?", claims.SessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Validation{Valid: false, Reason: ReasonTokenNotFound}, nil
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	if !sess.IsActive {
		return &Validation{Valid: false, Reason: ReasonSessionInactive}, nil
	}

	return &Validation{
		Valid:     true,
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
	}, nil
}

func (s *Service) Get(sessionID string) (*Session, error) {
	var sess Session
	if err := s.db.Where("id = ?", sessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	return &sess, nil
}

// Revoke deactivates the session and kills its token chain. Revoking an
// already-revoked session is not an error, but every call writes an
// audit entry: callers are recording attempted security actions.
func (s *Service) Revoke(sessionID, reason string) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	result := s.db.Model(&Session{}).
		Where("id = ? AND is_active = ?", sessionID, true).
		Updates(map[string]any{
			"is_active":      false,
			"revoked_at":     now,
			"revoked_reason": reason,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to revoke session: %w", result.Error)
	}

	if s.refreshTokens != nil {
		if _, err := s.refreshTokens.RevokeChain(sessionID, reason); err != nil && s.logger != nil {
			s.logger.Error("failed to revoke token chain for session",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}

	if s.audit != nil {
		s.audit.Record(audit.Event{
			UserID:    sess.UserID,
			SessionID: sessionID,
			Action:    audit.ActionSessionRevoked,
			Success:   true,
			Details:   map[string]any{"reason": reason, "already_revoked": result.RowsAffected == 0},
		})
	}

	if s.logger != nil {
		s.logger.Info("session revoked",
			zap.String("session_id", sessionID),
			zap.String("user_id", sess.UserID),
			zap.String("reason", reason),
			zap.Bool("already_revoked", result.RowsAffected == 0))
	}

	return nil
}

// RevokeAllForUser deactivates every active session the user has and
// writes one aggregate audit entry.
func (s *Service) RevokeAllForUser(userID, reason string) (int64, error) {
	now := s.now().UTC()
	result := s.db.Model(&Session{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Updates(map[string]any{
			"is_active":      false,
			"revoked_at":     now,
			"revoked_reason": reason,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", result.Error)
	}

	if s.refreshTokens != nil {
		if _, err := s.refreshTokens.RevokeAllForUser(userID, reason); err != nil && s.logger != nil {
			s.logger.Error("failed to revoke token chains for user",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	if s.audit != nil {
		s.audit.Record(audit.Event{
			UserID:  userID,
			Action:  audit.ActionSessionsBulkRevoked,
			Success: true,
			Details: map[string]any{"reason": reason, "count": result.RowsAffected},
		})
	}

	if s.logger != nil {
		s.logger.Info("all user sessions revoked",
			zap.String("user_id", userID),
			zap.String("reason", reason),
			zap.Int64("count", result.RowsAffected))
	}

	return result.RowsAffected, nil
}

func (s *Service) ListActive(userID string) ([]Session, error) {
	var sessions []Session
	err := s.db.Where("user_id = ? AND is_active = ?", userID, true).
		Order("last_activity_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// SweepExpired deactivates active sessions whose refresh lifetime has
// fully elapsed. It only transitions still-active rows and leaves token
// rows alone: the rotation path is the single place token state changes.
func (s *Service) SweepExpired() (int64, error) {
	now := s.now().UTC()
	result := s.db.Model(&Session{}).
		Where("is_active = ? AND refresh_expires_at < ?", true, now).
		Updates(map[string]any{
			"is_active":      false,
			"revoked_at":     now,
			"revoked_reason": "expired",
		})
	if result.Error != nil {
		if s.logger != nil {
			s.logger.Error("failed to sweep expired sessions", zap.Error(result.Error))
		}
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", result.Error)
	}

	if s.logger != nil && result.RowsAffected > 0 {
		s.logger.Info("swept expired sessions", zap.Int64("count", result.RowsAffected))
	}

	return result.RowsAffected, nil
}

func (s *Service) StartSweepWorker(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			if _, err := s.SweepExpired(); err != nil && s.logger != nil {
				s.logger.Error("session sweep worker failed", zap.Error(err))
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info("started session sweep worker", zap.Duration("interval", interval))
	}
}

func deviceName(userAgentString string) string {
	if userAgentString == "" {
		return "Unknown Device"
	}

	ua := useragent.Parse(userAgentString)

	name := ua.Name
	if name == "" {
		return "Unknown Device"
	}
	if ua.Version != "" {
		name += " " + ua.Version
	}
	if ua.OS != "" {
		name += " on " + ua.OS
	}

	return name
}
