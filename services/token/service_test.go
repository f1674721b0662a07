package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/keyfort/keyfort/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	cfg := testutils.GetTestConfig()
	service := NewService(cfg, nil)

	assert.NotNil(t, service)
	assert.Equal(t, cfg, service.config)
	assert.Nil(t, service.logger)
}

func TestService_Issue(t *testing.T) {
	cfg := testutils.GetTestConfig()
	service := NewService(cfg, nil)

	t.Run("claims carry user and session", func(t *testing.T) {
		signed, expiresAt, err := service.Issue("user-1", "session-1")

		require.NoError(t, err)
		assert.NotEmpty(t, signed)
		assert.WithinDuration(t, time.Now().Add(cfg.AccessToken.Expiry), expiresAt, 5*time.Second)

		parsed, err := jwt.ParseWithClaims(signed, &Claims{}, func(token *jwt.Token) (any, error) {
			return []byte(cfg.AccessToken.SecretKey), nil
		})
		require.NoError(t, err)
		require.True(t, parsed.Valid)

		claims, ok := parsed.Claims.(*Claims)
		require.True(t, ok)
		assert.Equal(t, "user-1", claims.UserID)
		assert.Equal(t, "session-1", claims.SessionID)
		assert.Equal(t, "user-1", claims.Subject)
		assert.Equal(t, cfg.AccessToken.Issuer, claims.Issuer)
		assert.NotEmpty(t, claims.JTI)
		assert.NotNil(t, claims.ExpiresAt)
		assert.NotNil(t, claims.NotBefore)
		assert.NotNil(t, claims.IssuedAt)
	})

	t.Run("generates unique JTI", func(t *testing.T) {
		first, _, err1 := service.Issue("user-1", "session-1")
		second, _, err2 := service.Issue("user-1", "session-1")

		require.NoError(t, err1)
		require.NoError(t, err2)

		claims1 := &Claims{}
		claims2 := &Claims{}

		_, err := jwt.ParseWithClaims(first, claims1, func(token *jwt.Token) (any, error) {
			return []byte(cfg.AccessToken.SecretKey), nil
		})
		require.NoError(t, err)

		_, err = jwt.ParseWithClaims(second, claims2, func(token *jwt.Token) (any, error) {
			return []byte(cfg.AccessToken.SecretKey), nil
		})
		require.NoError(t, err)

		assert.NotEqual(t, claims1.JTI, claims2.JTI)
	})
}

func TestService_Verify(t *testing.T) {
	cfg := testutils.GetTestConfig()
	service := NewService(cfg, nil)

	t.Run("valid token", func(t *testing.T) {
		signed, _, err := service.Issue("user-1", "session-1")
		require.NoError(t, err)

		claims, err := service.Verify(signed)

		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.UserID)
		assert.Equal(t, "session-1", claims.SessionID)
	})

	t.Run("malformed token", func(t *testing.T) {
		claims, err := service.Verify("invalid.token.string")

		require.Error(t, err)
		assert.Nil(t, claims)
		testutils.AssertErrorType(t, ErrMalformedToken, err)
	})

	t.Run("expired token", func(t *testing.T) {
		now := time.Now()
		expiredClaims := Claims{
			UserID:    "user-1",
			SessionID: "session-1",
			JTI:       "test-jti",
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        "test-jti",
				Issuer:    cfg.AccessToken.Issuer,
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
				NotBefore: jwt.NewNumericDate(now.Add(-2 * time.Hour)),
				IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			},
		}

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims)
		signed, err := token.SignedString([]byte(cfg.AccessToken.SecretKey))
		require.NoError(t, err)

		claims, err := service.Verify(signed)

		require.Error(t, err)
		assert.Nil(t, claims)
		testutils.AssertErrorType(t, ErrExpiredToken, err)
	})

	t.Run("invalid signature", func(t *testing.T) {
		signed, _, err := service.Issue("user-1", "session-1")
		require.NoError(t, err)

		otherCfg := testutils.GetTestConfig()
		otherCfg.AccessToken.SecretKey = "fedcba9876543210fedcba9876543210fedcba98"
		otherService := NewService(otherCfg, nil)

		claims, err := otherService.Verify(signed)

		require.Error(t, err)
		assert.Nil(t, claims)
		testutils.AssertErrorType(t, ErrInvalidSignature, err)
	})

	t.Run("none algorithm rejected", func(t *testing.T) {
		claims := Claims{
			UserID:    "user-1",
			SessionID: "session-1",
			JTI:       "test-jti",
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        "test-jti",
				Issuer:    cfg.AccessToken.Issuer,
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
			},
		}

		token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		result, err := service.Verify(signed)

		require.Error(t, err)
		assert.Nil(t, result)
		testutils.AssertErrorType(t, ErrInvalidToken, err)
	})

	t.Run("wrong algorithm rejected", func(t *testing.T) {
		signed := "eyJhbGciOiJSUzI1NiIsInR5cCI6IkpXVCJ9.eyJ1c2VyX2lkIjoidXNlci0xIiwianRpIjoidGVzdC1qdGkifQ.invalid"

		result, err := service.Verify(signed)

		require.Error(t, err)
		assert.Nil(t, result)
	})
}

func TestService_Expiry(t *testing.T) {
	cfg := testutils.GetTestConfig()
	cfg.AccessToken.Expiry = 42 * time.Minute
	service := NewService(cfg, nil)

	assert.Equal(t, 42*time.Minute, service.Expiry())
}
