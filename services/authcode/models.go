package authcode

import (
	"time"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

// ChallengeMethodS256 is the only challenge method accepted at issue time.
const ChallengeMethodS256 = "S256"

type AuthorizationCode struct {
	ID                  uint       `json:"id" gorm:"primaryKey"`
	Code                string     `json:"-" gorm:"uniqueIndex;size:255;not null"`
	CodeChallenge       string     `json:"-" gorm:"size:255;not null"`
	CodeChallengeMethod string     `json:"code_challenge_method" gorm:"size:16;not null"`
	UserID              string     `json:"user_id" gorm:"index;size:64;not null"`
	Email               string     `json:"email" gorm:"size:255"`
	WalletAddress       string     `json:"wallet_address" gorm:"size:255"`
	DeviceFingerprint   string     `json:"-" gorm:"size:255"`
	IPAddress           string     `json:"ip_address" gorm:"size:64"`
	UserAgent           string     `json:"user_agent" gorm:"size:512"`
	Status              string     `json:"status" gorm:"index;size:16;not null;default:pending"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at" gorm:"index;not null"`
	UsedAt              *time.Time `json:"used_at"`
}

func (AuthorizationCode) TableName() string {
	return "authorization_codes"
}

// Identity is the proven subject an authorization code is bound to. The
// upstream identity provider has already verified it; redeeming the code
// transfers it onto a session.
type Identity struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// RequestMeta captures where an issue request came from. The values are
// stored with the code and surface again in the audit trail.
type RequestMeta struct {
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
}

type IssuedCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}
