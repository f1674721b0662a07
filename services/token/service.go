package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/logging"
	"go.uber.org/zap"
)

var (
	ErrInvalidToken     = errors.New("invalid access token")
	ErrExpiredToken     = errors.New("access token has expired")
	ErrMalformedToken   = errors.New("malformed access token")
	ErrInvalidSignature = errors.New("invalid access token signature")
)

// Claims carried by an access token. SessionID ties the token to the
// session that minted it so validation can check the session is still
// active.
type Claims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	JTI       string `json:"jti"`
	jwt.RegisteredClaims
}

type Service struct {
	config *config.Config
	logger *logging.Service
}

func NewService(cfg *config.Config, logger *logging.Service) *Service {
	return &Service{
		config: cfg,
		logger: logger,
	}
}

// Issue mints a signed access token bound to the user and session.
func (s *Service) Issue(userID, sessionID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.config.AccessToken.Expiry)
	jti := uuid.New().String()

	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		JTI:       jti,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.config.AccessToken.Issuer,
			Subject:   userID,
			Audience:  []string{s.config.AccessToken.Audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.AccessToken.SecretKey))
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to sign access token", zap.Error(err))
		}
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return signed, expiresAt, nil
}

// Verify parses and checks the signature, algorithm, and time claims.
// It does not consult session state; callers that need liveness go
// through the session service.
func (s *Service) Verify(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() == "none" {
			return nil, errors.New("'none' algorithm is not allowed")
		}

		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected algorithm: expected HS256, got %s", token.Method.Alg())
		}

		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("invalid algorithm family: %v", token.Header["alg"])
		}

		return []byte(s.config.AccessToken.SecretKey), nil
	})

	if err != nil {
		if s.logger != nil {
			s.logger.Warn("access token verification failed", zap.Error(err))
		}

		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformedToken
		case errors.Is(err, jwt.ErrSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrInvalidToken
		}
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *Service) Expiry() time.Duration {
	return s.config.AccessToken.Expiry
}
