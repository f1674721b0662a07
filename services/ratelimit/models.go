package ratelimit

import (
	"time"
)

// Hit is one admitted request. Denied requests are never recorded, so
// a client probing a closed window cannot extend its own lockout.
type Hit struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Principal string    `json:"principal" gorm:"index:idx_rate_limit_principal_ts;size:255;not null"`
	Timestamp time.Time `json:"timestamp" gorm:"index:idx_rate_limit_principal_ts;not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index;not null"`
}

func (Hit) TableName() string {
	return "rate_limit_hits"
}
