package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	App          AppConfig          `envPrefix:"APP_"`
	Server       ServerConfig       `envPrefix:"SERVER_"`
	Log          LogConfig          `envPrefix:"LOG_"`
	Database     DatabaseConfig     `envPrefix:"DATABASE_"`
	AccessToken  AccessTokenConfig  `envPrefix:"ACCESS_TOKEN_"`
	RefreshToken RefreshTokenConfig `envPrefix:"REFRESH_TOKEN_"`
	AuthCode     AuthCodeConfig     `envPrefix:"AUTH_CODE_"`
	Session      SessionConfig      `envPrefix:"SESSION_"`
	MFA          MFAConfig          `envPrefix:"MFA_"`
	RateLimit    RateLimitConfig    `envPrefix:"RATE_LIMIT_"`
	Mail         MailConfig         `envPrefix:"MAIL_"`
}

type AppConfig struct {
	Name string `env:"NAME" envDefault:"keyfort"`
	URL  string `env:"URL" envDefault:"http://localhost:8080"`
}

type ServerConfig struct {
	Host           string   `env:"HOST" envDefault:"localhost"`
	Port           string   `env:"PORT" envDefault:"8080"`
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
	Output string `env:"OUTPUT" envDefault:"stdout"`
}

type DatabaseConfig struct {
	Driver      string `env:"DRIVER" envDefault:"sqlite"`
	DSN         string `env:"DSN" envDefault:"keyfort.db"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

type AccessTokenConfig struct {
	SecretKey string        `env:"SECRET_KEY"`
	Expiry    time.Duration `env:"EXPIRY" envDefault:"15m"`
	Issuer    string        `env:"ISSUER" envDefault:"keyfort"`
	Audience  string        `env:"AUDIENCE" envDefault:"keyfort"`
	Algorithm string        `env:"ALGORITHM" envDefault:"HS256"`
}

type RefreshTokenConfig struct {
	TokenLength int           `env:"LENGTH" envDefault:"32"`
	Expiry      time.Duration `env:"EXPIRY" envDefault:"720h"`
}

type AuthCodeConfig struct {
	CodeLength    int           `env:"LENGTH" envDefault:"32"`
	Expiry        time.Duration `env:"EXPIRY" envDefault:"10m"`
	IssueAttempts int           `env:"ISSUE_ATTEMPTS" envDefault:"3"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
}

type SessionConfig struct {
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
}

type MFAConfig struct {
	Issuer          string        `env:"ISSUER" envDefault:"keyfort"`
	BackupCodeCount int           `env:"BACKUP_CODE_COUNT" envDefault:"10"`
	BcryptCost      int           `env:"BCRYPT_COST" envDefault:"10"`
	ChallengeExpiry time.Duration `env:"CHALLENGE_EXPIRY" envDefault:"10m"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`
}

type RateLimitConfig struct {
	AuthorizeRequests int           `env:"AUTHORIZE_REQUESTS" envDefault:"10"`
	AuthorizeWindow   time.Duration `env:"AUTHORIZE_WINDOW" envDefault:"1m"`
	TokenRequests     int           `env:"TOKEN_REQUESTS" envDefault:"5"`
	TokenWindow       time.Duration `env:"TOKEN_WINDOW" envDefault:"1m"`
	MFARequests       int           `env:"MFA_REQUESTS" envDefault:"5"`
	MFAWindow         time.Duration `env:"MFA_WINDOW" envDefault:"1m"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatchSize    int           `env:"SWEEP_BATCH_SIZE" envDefault:"500"`
}

type MailConfig struct {
	Host        string `env:"HOST" envDefault:"localhost"`
	Port        int    `env:"PORT" envDefault:"587"`
	Username    string `env:"USERNAME"`
	Password    string `env:"PASSWORD"`
	Encryption  string `env:"ENCRYPTION" envDefault:"starttls"`
	FromAddress string `env:"FROM_ADDRESS"`
	FromName    string `env:"FROM_NAME"`
}

func LoadConfig(cfg any) error {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	if err := env.Parse(cfg); err != nil {
		return err
	}

	if c, ok := cfg.(*Config); ok {
		return validateConfig(c)
	}

	return nil
}

func validateConfig(cfg *Config) error {
	if err := validateAccessTokenConfig(&cfg.AccessToken); err != nil {
		return err
	}
	if err := validateRefreshTokenConfig(&cfg.RefreshToken); err != nil {
		return err
	}
	if err := validateAuthCodeConfig(&cfg.AuthCode); err != nil {
		return err
	}
	if err := validateRateLimitConfig(&cfg.RateLimit); err != nil {
		return err
	}
	return nil
}

func validateAccessTokenConfig(cfg *AccessTokenConfig) error {
	if len(cfg.SecretKey) < 32 {
		return fmt.Errorf("access token secret key must be at least 32 characters long")
	}

	weakPatterns := []string{"password", "secret", "test", "example", "default", "change"}
	lowerKey := strings.ToLower(cfg.SecretKey)
	for _, pattern := range weakPatterns {
		if strings.Contains(lowerKey, pattern) {
			return fmt.Errorf("access token secret key contains weak patterns")
		}
	}

	if cfg.Algorithm != "HS256" {
		return fmt.Errorf("access token algorithm must be HS256")
	}

	if cfg.Expiry <= 0 {
		return fmt.Errorf("access token expiry must be positive")
	}

	return nil
}

func validateRefreshTokenConfig(cfg *RefreshTokenConfig) error {
	if cfg.TokenLength < 16 {
		return fmt.Errorf("refresh token length must be at least 16 bytes")
	}
	if cfg.TokenLength > 128 {
		return fmt.Errorf("refresh token length cannot exceed 128 bytes")
	}
	if cfg.Expiry <= 0 {
		return fmt.Errorf("refresh token expiry must be positive")
	}
	return nil
}

func validateAuthCodeConfig(cfg *AuthCodeConfig) error {
	if cfg.CodeLength < 16 {
		return fmt.Errorf("authorization code length must be at least 16 bytes")
	}
	if cfg.Expiry <= 0 {
		return fmt.Errorf("authorization code expiry must be positive")
	}
	if cfg.IssueAttempts < 1 {
		return fmt.Errorf("authorization code issue attempts must be at least 1")
	}
	return nil
}

func validateRateLimitConfig(cfg *RateLimitConfig) error {
	limits := []struct {
		name     string
		requests int
		window   time.Duration
	}{
		{"authorize", cfg.AuthorizeRequests, cfg.AuthorizeWindow},
		{"token", cfg.TokenRequests, cfg.TokenWindow},
		{"mfa", cfg.MFARequests, cfg.MFAWindow},
	}

	for _, l := range limits {
		if l.requests < 1 {
			return fmt.Errorf("rate limit %s requests must be at least 1", l.name)
		}
		if l.window <= 0 {
			return fmt.Errorf("rate limit %s window must be positive", l.name)
		}
	}

	return nil
}
