package testutils

import (
	"time"

	"github.com/keyfort/keyfort/config"
)

// GetTestConfig returns a config with fast, deterministic settings for
// service tests. Bcrypt runs at minimum cost so MFA tests stay quick.
func GetTestConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Name: "keyfort",
			URL:  "http://localhost:8080",
		},
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			DSN:         ":memory:",
			AutoMigrate: true,
		},
		AccessToken: config.AccessTokenConfig{
			SecretKey: "0123456789abcdef0123456789abcdef01234567",
			Expiry:    15 * time.Minute,
			Issuer:    "keyfort",
			Audience:  "keyfort",
			Algorithm: "HS256",
		},
		RefreshToken: config.RefreshTokenConfig{
			TokenLength: 32,
			Expiry:      720 * time.Hour,
		},
		AuthCode: config.AuthCodeConfig{
			CodeLength:    32,
			Expiry:        10 * time.Minute,
			IssueAttempts: 3,
		},
		Session: config.SessionConfig{
			SweepInterval: 0,
		},
		MFA: config.MFAConfig{
			Issuer:          "keyfort",
			BackupCodeCount: 10,
			BcryptCost:      4,
			ChallengeExpiry: 10 * time.Minute,
			SweepInterval:   0,
		},
		RateLimit: config.RateLimitConfig{
			AuthorizeRequests: 10,
			AuthorizeWindow:   time.Minute,
			TokenRequests:     5,
			TokenWindow:       time.Minute,
			MFARequests:       5,
			MFAWindow:         time.Minute,
			SweepBatchSize:    500,
		},
	}
}
