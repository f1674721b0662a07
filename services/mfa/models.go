package mfa

import (
	"time"
)

const (
	MethodTOTP   = "totp"
	MethodSMS    = "sms"
	MethodEmail  = "email"
	MethodBackup = "backup"
)

// Configuration is a user's enrolled factor. The unique index keeps it to
// one configuration per user; re-enrollment overwrites a disabled row.
type Configuration struct {
	ID         uint       `json:"id" gorm:"primaryKey"`
	UserID     string     `json:"user_id" gorm:"uniqueIndex;not null;size:64"`
	Method     string     `json:"method" gorm:"not null;size:16"`
	Secret     string     `json:"-" gorm:"size:255"`
	Contact    string     `json:"-" gorm:"size:255"`
	Enabled    bool       `json:"enabled" gorm:"not null;default:false"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
}

func (Configuration) TableName() string {
	return "mfa_configurations"
}

// BackupCode stores only the bcrypt hash. A used code keeps its row with
// used_at stamped so it can never validate again.
type BackupCode struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	UserID    string     `json:"user_id" gorm:"index;not null;size:64"`
	CodeHash  string     `json:"-" gorm:"not null;size:255"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

func (BackupCode) TableName() string {
	return "mfa_backup_codes"
}

// ChannelChallenge is a short-lived code delivered over sms or email,
// stored as a sha256 hash and consumed at most once.
type ChannelChallenge struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	UserID    string     `json:"user_id" gorm:"index;not null;size:64"`
	CodeHash  string     `json:"-" gorm:"not null;size:255"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"not null;index"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

func (ChannelChallenge) TableName() string {
	return "mfa_channel_challenges"
}

// UsedCode remembers recently accepted TOTP codes so a captured code
// cannot be replayed inside its validity window.
type UsedCode struct {
	ID     uint   `gorm:"primaryKey"`
	UserID string `gorm:"index:idx_mfa_used_user_code,priority:1;not null;size:64"`
	Code   string `gorm:"index:idx_mfa_used_user_code,priority:2;not null;size:16"`
	UsedAt int64  `gorm:"index;not null"`
}

func (UsedCode) TableName() string {
	return "mfa_used_codes"
}
