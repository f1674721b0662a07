package refreshtoken

import (
	"time"
)

// Revoke reasons written by the rotation engine itself. Session-initiated
// revocations carry whatever reason the caller supplied.
const (
	ReasonExpired             = "expired"
	ReasonReuseDetected       = "reuse_detected"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
)

// RefreshToken is one link in a session's rotation chain. Rows are never
// deleted: used and revoked tokens stay behind as the forensic record of
// the chain.
type RefreshToken struct {
	ID                string     `json:"id" gorm:"primaryKey;size:64"`
	SessionID         string     `json:"session_id" gorm:"not null;index;size:64"`
	UserID            string     `json:"user_id" gorm:"not null;index;size:64"`
	TokenHash         string     `json:"-" gorm:"uniqueIndex;size:255;not null"`
	ParentTokenID     *string    `json:"parent_token_id,omitempty" gorm:"size:64"`
	DeviceFingerprint string     `json:"-" gorm:"size:255"`
	IPAddress         string     `json:"ip_address" gorm:"size:45"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at" gorm:"not null;index"`
	UsedAt            *time.Time `json:"used_at,omitempty"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	RevokedReason     string     `json:"revoked_reason,omitempty" gorm:"size:64"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// RequestMeta describes the request presenting a token for rotation.
type RequestMeta struct {
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
}

// Rotated is the credential pair handed back after a successful rotation.
type Rotated struct {
	SessionID        string
	UserID           string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	ConsumedTokenID  string
	TokenID          string
}
