package audit

import (
	"time"
)

// Actions recorded by the credential lifecycle. Handlers and services
// reference these constants instead of repeating literals.
const (
	ActionCodeIssued          = "authorization_code_issued"
	ActionCodeRedeemed        = "authorization_code_redeemed"
	ActionSessionCreated      = "session_created"
	ActionSessionRevoked      = "session_revoked"
	ActionSessionsBulkRevoked = "sessions_bulk_revoked"
	ActionTokenRotated        = "refresh_token_rotated"
	ActionTokenInvalid        = "refresh_token_invalid"
	ActionTokenExpired        = "refresh_token_expired"
	ActionTokenRevoked        = "refresh_token_revoked"
	ActionTokenReuseDetected  = "refresh_token_reuse_detected"
	ActionFingerprintMismatch = "device_fingerprint_mismatch"
	ActionMFAEnabled          = "mfa_enabled"
	ActionMFADisabled         = "mfa_disabled"
	ActionMFAVerified         = "mfa_verified"
	ActionMFAVerifyFailed     = "mfa_verification_failed"
	ActionMFAChallengeSent    = "mfa_challenge_sent"
	ActionMFACodesRegenerated = "mfa_backup_codes_regenerated"
)

type Entry struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"user_id" gorm:"index;size:64"`
	SessionID string    `json:"session_id,omitempty" gorm:"index;size:64"`
	Action    string    `json:"action" gorm:"index;size:64;not null"`
	Success   bool      `json:"success"`
	IPAddress string    `json:"ip_address,omitempty" gorm:"size:64"`
	UserAgent string    `json:"user_agent,omitempty" gorm:"size:512"`
	Details   string    `json:"details,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (Entry) TableName() string {
	return "audit_entries"
}
