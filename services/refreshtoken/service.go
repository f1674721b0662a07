package refreshtoken

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/audit"
	"github.com/keyfort/keyfort/services/logging"
	"github.com/keyfort/keyfort/services/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrTokenNotFound         = errors.New("refresh token not found")
	ErrTokenExpired          = errors.New("refresh token expired")
	ErrTokenReused           = errors.New("refresh token reuse detected")
	ErrTokenRevoked          = errors.New("refresh token revoked")
	ErrFingerprintMismatch   = errors.New("device fingerprint mismatch")
	ErrTokenGenerationFailed = errors.New("failed to generate secure token")
)

// AccessTokenIssuer mints the short-lived access token that accompanies
// every rotation. Satisfied by services/token.
type AccessTokenIssuer interface {
	Issue(userID, sessionID string) (string, time.Time, error)
}

// Service is the rotation engine. Every state transition a refresh token
// can take (consumed, expired, revoked, cascade-revoked) happens here and
// nowhere else; the session sweep deliberately leaves token rows alone.
type Service struct {
	db     *gorm.DB
	config *config.Config
	logger *logging.Service
	audit  *audit.Service
	issuer AccessTokenIssuer
	now    func() time.Time
}

func NewService(db *gorm.DB, config *config.Config, logger *logging.Service, auditSvc *audit.Service, issuer AccessTokenIssuer) *Service {
	if logger != nil {
		logger.Info("initializing refresh token service",
			zap.Duration("token_expiry", config.RefreshToken.Expiry),
			zap.Int("token_length", config.RefreshToken.TokenLength))
	}

	return &Service{
		db:     db,
		config: config,
		logger: logger,
		audit:  auditSvc,
		issuer: issuer,
		now:    time.Now,
	}
}

// MintForSession creates the root token of a new session's chain. The raw
// secret is returned once and only its hash is stored.
func (s *Service) MintForSession(sessionID, userID, deviceFingerprint, ipAddress string) (*session.MintedToken, error) {
	raw, err := s.generateSecureToken()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to generate refresh token", zap.Error(err))
		}
		return nil, ErrTokenGenerationFailed
	}

	now := s.now().UTC()
	row := RefreshToken{
		ID:                uuid.New().String(),
		SessionID:         sessionID,
		UserID:            userID,
		TokenHash:         s.hashToken(raw),
		DeviceFingerprint: deviceFingerprint,
		IPAddress:         ipAddress,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.config.RefreshToken.Expiry),
	}

	if err := s.db.Create(&row).Error; err != nil {
		if s.logger != nil {
			s.logger.Error("failed to store refresh token", zap.Error(err))
		}
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("refresh token minted",
			zap.String("token_id", row.ID),
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Time("expires_at", row.ExpiresAt))
	}

	return &session.MintedToken{
		Raw:       raw,
		TokenID:   row.ID,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// Rotate exchanges a live refresh token for a new access/refresh pair.
//
// Checks run in a fixed order inside one transaction: unknown hash,
// expiry, prior use (reuse cascade), prior revocation, fingerprint
// mismatch (cascade), then the consume step. State written by a failed
// attempt (expiry marker, cascade revocations) commits even though the
// call returns an error; only infrastructure failures roll back. Reuse
// and mismatch revoke the session and its whole chain in place, so a
// stolen token burns every credential descended from the same grant.
func (s *Service) Rotate(raw string, meta RequestMeta) (*Rotated, error) {
	tokenHash := s.hashToken(raw)

	var current RefreshToken
	var rotated *Rotated
	var domainErr error

	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("token_hash = ?", tokenHash).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				domainErr = ErrTokenNotFound
				return nil
			}
			return fmt.Errorf("failed to look up refresh token: %w", err)
		}

		now := s.now().UTC()

		if now.After(current.ExpiresAt) {
			err := tx.Model(&RefreshToken{}).
				Where("id = ? AND revoked_at IS NULL", current.ID).
				Updates(map[string]any{"revoked_at": now, "revoked_reason": ReasonExpired}).Error
			if err != nil {
				return fmt.Errorf("failed to mark token expired: %w", err)
			}
			domainErr = ErrTokenExpired
			return nil
		}

		if current.UsedAt != nil {
			if err := s.cascade(tx, now, current.SessionID, ReasonReuseDetected); err != nil {
				return err
			}
			domainErr = ErrTokenReused
			return nil
		}

		if current.RevokedAt != nil {
			domainErr = ErrTokenRevoked
			return nil
		}

		if meta.DeviceFingerprint != "" && current.DeviceFingerprint != "" &&
			meta.DeviceFingerprint != current.DeviceFingerprint {
			if err := s.cascade(tx, now, current.SessionID, ReasonFingerprintMismatch); err != nil {
				return err
			}
			domainErr = ErrFingerprintMismatch
			return nil
		}

		// Consume. Losing this guarded update means another rotation got
		// here first, which is indistinguishable from replay.
		result := tx.Model(&RefreshToken{}).
			Where("id = ? AND used_at IS NULL AND revoked_at IS NULL", current.ID).
			Update("used_at", now)
		if result.Error != nil {
			return fmt.Errorf("failed to consume refresh token: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			if err := s.cascade(tx, now, current.SessionID, ReasonReuseDetected); err != nil {
				return err
			}
			domainErr = ErrTokenReused
			return nil
		}

		fingerprint := current.DeviceFingerprint
		if meta.DeviceFingerprint != "" {
			fingerprint = meta.DeviceFingerprint
		}
		ipAddress := current.IPAddress
		if meta.IPAddress != "" {
			ipAddress = meta.IPAddress
		}

		newRaw, err := s.generateSecureToken()
		if err != nil {
			return ErrTokenGenerationFailed
		}

		parentID := current.ID
		child := RefreshToken{
			ID:                uuid.New().String(),
			SessionID:         current.SessionID,
			UserID:            current.UserID,
			TokenHash:         s.hashToken(newRaw),
			ParentTokenID:     &parentID,
			DeviceFingerprint: fingerprint,
			IPAddress:         ipAddress,
			CreatedAt:         now,
			ExpiresAt:         now.Add(s.config.RefreshToken.Expiry),
		}
		if err := tx.Create(&child).Error; err != nil {
			return fmt.Errorf("failed to store rotated refresh token: %w", err)
		}

		accessToken, accessExpiresAt, err := s.issuer.Issue(current.UserID, current.SessionID)
		if err != nil {
			return fmt.Errorf("failed to issue access token: %w", err)
		}

		err = tx.Model(&session.Session{}).
			Where("id = ?", current.SessionID).
			Updates(map[string]any{
				"current_token_id":   child.ID,
				"access_expires_at":  accessExpiresAt,
				"refresh_expires_at": child.ExpiresAt,
				"last_activity_at":   now,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update session for rotation: %w", err)
		}

		rotated = &Rotated{
			SessionID:        current.SessionID,
			UserID:           current.UserID,
			AccessToken:      accessToken,
			AccessExpiresAt:  accessExpiresAt,
			RefreshToken:     newRaw,
			RefreshExpiresAt: child.ExpiresAt,
			ConsumedTokenID:  current.ID,
			TokenID:          child.ID,
		}
		return nil
	})

	if txErr != nil {
		if s.logger != nil {
			s.logger.Error("refresh token rotation failed", zap.Error(txErr))
		}
		return nil, txErr
	}

	s.auditRotation(&current, rotated, meta, domainErr)

	if domainErr != nil {
		if s.logger != nil {
			s.logger.Warn("refresh token rejected",
				zap.String("token_id", current.ID),
				zap.String("session_id", current.SessionID),
				zap.Error(domainErr))
		}
		return nil, domainErr
	}

	if s.logger != nil {
		s.logger.Info("refresh token rotated",
			zap.String("session_id", rotated.SessionID),
			zap.String("user_id", rotated.UserID),
			zap.String("old_token_id", rotated.ConsumedTokenID),
			zap.String("new_token_id", rotated.TokenID))
	}

	return rotated, nil
}

// RevokeChain revokes every non-revoked token belonging to the session.
// Chains are walked by session id rather than parent pointers, so one
// update covers arbitrary chain length.
func (s *Service) RevokeChain(sessionID, reason string) (int64, error) {
	result := s.db.Model(&RefreshToken{}).
		Where("session_id = ? AND revoked_at IS NULL", sessionID).
		Updates(map[string]any{"revoked_at": s.now().UTC(), "revoked_reason": reason})
	if result.Error != nil {
		if s.logger != nil {
			s.logger.Error("failed to revoke token chain",
				zap.String("session_id", sessionID),
				zap.Error(result.Error))
		}
		return 0, fmt.Errorf("failed to revoke token chain: %w", result.Error)
	}

	if s.logger != nil && result.RowsAffected > 0 {
		s.logger.Info("token chain revoked",
			zap.String("session_id", sessionID),
			zap.String("reason", reason),
			zap.Int64("count", result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// RevokeAllForUser revokes every non-revoked token across all of the
// user's sessions.
func (s *Service) RevokeAllForUser(userID, reason string) (int64, error) {
	result := s.db.Model(&RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Updates(map[string]any{"revoked_at": s.now().UTC(), "revoked_reason": reason})
	if result.Error != nil {
		if s.logger != nil {
			s.logger.Error("failed to revoke user tokens",
				zap.String("user_id", userID),
				zap.Error(result.Error))
		}
		return 0, fmt.Errorf("failed to revoke user tokens: %w", result.Error)
	}

	if s.logger != nil && result.RowsAffected > 0 {
		s.logger.Info("all user tokens revoked",
			zap.String("user_id", userID),
			zap.String("reason", reason),
			zap.Int64("count", result.RowsAffected))
	}

	return result.RowsAffected, nil
}

func (s *Service) cascade(tx *gorm.DB, now time.Time, sessionID, reason string) error {
	err := tx.Model(&session.Session{}).
		Where("id = ? AND is_active = ?", sessionID, true).
		Updates(map[string]any{
			"is_active":      false,
			"revoked_at":     now,
			"revoked_reason": reason,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	err = tx.Model(&RefreshToken{}).
		Where("session_id = ? AND revoked_at IS NULL", sessionID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason}).Error
	if err != nil {
		return fmt.Errorf("failed to revoke token chain: %w", err)
	}

	return nil
}

func (s *Service) auditRotation(current *RefreshToken, rotated *Rotated, meta RequestMeta, domainErr error) {
	if s.audit == nil {
		return
	}

	event := audit.Event{
		UserID:    current.UserID,
		SessionID: current.SessionID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}

	switch {
	case domainErr == nil:
		event.Action = audit.ActionTokenRotated
		event.Success = true
		event.Details = map[string]any{
			"old_token_id": rotated.ConsumedTokenID,
			"new_token_id": rotated.TokenID,
		}
	case errors.Is(domainErr, ErrTokenNotFound):
		event.Action = audit.ActionTokenInvalid
	case errors.Is(domainErr, ErrTokenExpired):
		event.Action = audit.ActionTokenExpired
		event.Details = map[string]any{"token_id": current.ID}
	case errors.Is(domainErr, ErrTokenReused):
		event.Action = audit.ActionTokenReuseDetected
		event.Details = map[string]any{"token_id": current.ID}
	case errors.Is(domainErr, ErrTokenRevoked):
		event.Action = audit.ActionTokenRevoked
		event.Details = map[string]any{"token_id": current.ID, "reason": current.RevokedReason}
	case errors.Is(domainErr, ErrFingerprintMismatch):
		event.Action = audit.ActionFingerprintMismatch
		event.Details = map[string]any{"token_id": current.ID}
	default:
		return
	}

	s.audit.Record(event)
}

func (s *Service) generateSecureToken() (string, error) {
	tokenBytes := make([]byte, s.config.RefreshToken.TokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tokenBytes), nil
}

func (s *Service) hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
