package session

import (
	"time"
)

// Validation reasons reported by ValidateAccessToken.
const (
	ReasonTokenNotFound   = "token_not_found"
	ReasonTokenExpired    = "token_expired"
	ReasonSessionInactive = "session_inactive"
)

// Session binds a user to one device. It owns a chain of refresh tokens
// of which exactly one is live; CurrentTokenID points at that one.
type Session struct {
	ID                string     `json:"id" gorm:"primaryKey;size:64"`
	UserID            string     `json:"user_id" gorm:"index;size:64;not null"`
	DeviceID          string     `json:"device_id" gorm:"size:128"`
	DeviceFingerprint string     `json:"-" gorm:"size:255"`
	DeviceName        string     `json:"device_name" gorm:"size:255"`
	Platform          string     `json:"platform" gorm:"size:64"`
	IPAddress         string     `json:"ip_address" gorm:"size:64"`
	UserAgent         string     `json:"user_agent" gorm:"size:512"`
	CurrentTokenID    string     `json:"-" gorm:"size:64"`
	AccessExpiresAt   time.Time  `json:"access_expires_at"`
	RefreshExpiresAt  time.Time  `json:"refresh_expires_at" gorm:"index"`
	IsActive          bool       `json:"is_active" gorm:"index;not null;default:true"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	RevokedAt         *time.Time `json:"revoked_at"`
	RevokedReason     string     `json:"revoked_reason,omitempty" gorm:"size:64"`
}

func (Session) TableName() string {
	return "user_sessions"
}

// DeviceInfo is the client-supplied description of the device a session
// is being created for.
type DeviceInfo struct {
	DeviceID          string
	DeviceFingerprint string
	Platform          string
	IPAddress         string
	UserAgent         string
}

// Created bundles a fresh session with both raw credentials. The raw
// refresh token exists only in this value; storage keeps its hash.
type Created struct {
	Session          Session   `json:"session"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type Validation struct {
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// MintedToken is what the refresh-token service hands back when a new
// chain root is minted for a session.
type MintedToken struct {
	Raw       string
	TokenID   string
	ExpiresAt time.Time
}

// RefreshTokenService is the slice of the refresh-token service the
// session store depends on. Defining it here keeps the dependency
// pointing one way; the concrete service is wired in at assembly time.
type RefreshTokenService interface {
	MintForSession(sessionID, userID, deviceFingerprint, ipAddress string) (*MintedToken, error)
	RevokeChain(sessionID, reason string) (int64, error)
	RevokeAllForUser(userID, reason string) (int64, error)
}
