package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/server"
	"github.com/keyfort/keyfort/services/audit"
	"github.com/keyfort/keyfort/services/authcode"
	"github.com/keyfort/keyfort/services/mfa"
	"github.com/keyfort/keyfort/services/ratelimit"
	"github.com/keyfort/keyfort/services/refreshtoken"
	"github.com/keyfort/keyfort/services/session"
	"github.com/keyfort/keyfort/services/token"
	"github.com/keyfort/keyfort/testutils"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	echo *echo.Echo
	cfg  *config.Config
}

func setupAPI(t *testing.T, mutate ...func(*config.Config)) *testAPI {
	t.Helper()

	db := testutils.SetupTestDB(t,
		&authcode.AuthorizationCode{},
		&session.Session{},
		&refreshtoken.RefreshToken{},
		&mfa.Configuration{},
		&mfa.BackupCode{},
		&mfa.ChannelChallenge{},
		&mfa.UsedCode{},
		&ratelimit.Hit{},
		&audit.Entry{},
	)

	cfg := testutils.GetTestConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	auditSvc := audit.NewService(db, nil)
	tokens := token.NewService(cfg, nil)
	sessions := session.NewService(db, cfg, nil, auditSvc, tokens)
	rotator := refreshtoken.NewService(db, cfg, nil, auditSvc, tokens)
	sessions.SetRefreshTokenService(rotator)
	authCodes := authcode.NewService(db, cfg, nil, auditSvc)
	mfaSvc := mfa.NewService(db, cfg, nil, auditSvc)
	limiter := ratelimit.NewService(db, nil)

	srv := server.New(cfg, nil)
	handler := NewHandler(cfg, nil, authCodes, sessions, rotator, mfaSvc)
	RegisterRoutes(srv, handler, sessions, limiter, cfg, nil)

	return &testAPI{echo: srv.Echo(), cfg: cfg}
}

func (a *testAPI) request(t *testing.T, method, path, body, bearer string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0")
	req.RemoteAddr = "203.0.113.10:51000"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func issueCode(t *testing.T, a *testAPI, userID, challenge string) string {
	t.Helper()

	body := fmt.Sprintf(`{"user_id":%q,"email":"u@example.com","code_challenge":%q}`, userID, challenge)
	rec, decoded := a.request(t, http.MethodPost, "/v1/authorize/code", body, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	code, ok := decoded["code"].(string)
	require.True(t, ok)
	return code
}

func redeemCode(t *testing.T, a *testAPI, code, verifier string) map[string]any {
	t.Helper()

	body := fmt.Sprintf(`{"grant_type":"authorization_code","code":%q,"code_verifier":%q,"device_id":"dev-1"}`, code, verifier)
	rec, decoded := a.request(t, http.MethodPost, "/v1/token", body, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decoded
}

func TestHealthz(t *testing.T) {
	a := setupAPI(t)
	rec, decoded := a.request(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decoded["status"])
}

func TestAuthorizationCodeFlow(t *testing.T) {
	verifier := "test-verifier-test-verifier-test-verifier-42"
	challenge := authcode.ComputeChallenge(verifier)

	t.Run("code redeems into a session exactly once", func(t *testing.T) {
		a := setupAPI(t)
		code := issueCode(t, a, "user-1", challenge)

		created := redeemCode(t, a, code, verifier)
		assert.Equal(t, "Bearer", created["token_type"])
		assert.NotEmpty(t, created["access_token"])
		assert.NotEmpty(t, created["refresh_token"])
		assert.NotEmpty(t, created["session_id"])

		// Second redemption of the same code.
		body := fmt.Sprintf(`{"grant_type":"authorization_code","code":%q,"code_verifier":%q}`, code, verifier)
		rec, decoded := a.request(t, http.MethodPost, "/v1/token", body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_grant", decoded["error"])
	})

	t.Run("wrong verifier is rejected without detail", func(t *testing.T) {
		a := setupAPI(t)
		code := issueCode(t, a, "user-1", challenge)

		body := fmt.Sprintf(`{"grant_type":"authorization_code","code":%q,"code_verifier":"some-other-verifier-some-other-verifier"}`, code)
		rec, decoded := a.request(t, http.MethodPost, "/v1/token", body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_grant", decoded["error"])
		assert.Empty(t, decoded["error_description"])
	})

	t.Run("malformed challenge rejected at issue time", func(t *testing.T) {
		a := setupAPI(t)
		rec, decoded := a.request(t, http.MethodPost, "/v1/authorize/code",
			`{"user_id":"user-1","code_challenge":"too-short"}`, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", decoded["error"])
	})

	t.Run("unsupported grant type", func(t *testing.T) {
		a := setupAPI(t)
		rec, decoded := a.request(t, http.MethodPost, "/v1/token", `{"grant_type":"password"}`, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "unsupported_grant_type", decoded["error"])
	})
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	verifier := "test-verifier-test-verifier-test-verifier-42"
	challenge := authcode.ComputeChallenge(verifier)

	a := setupAPI(t)
	code := issueCode(t, a, "user-1", challenge)
	created := redeemCode(t, a, code, verifier)
	r0 := created["refresh_token"].(string)

	// R0 -> R1.
	body := fmt.Sprintf(`{"grant_type":"refresh_token","refresh_token":%q}`, r0)
	rec, rotated := a.request(t, http.MethodPost, "/v1/token", body, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	r1 := rotated["refresh_token"].(string)
	require.NotEqual(t, r0, r1)

	// Replaying R0 is reuse: the session dies.
	rec, decoded := a.request(t, http.MethodPost, "/v1/token", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_grant", decoded["error"])

	// R1 was revoked by the cascade.
	body = fmt.Sprintf(`{"grant_type":"refresh_token","refresh_token":%q}`, r1)
	rec, decoded = a.request(t, http.MethodPost, "/v1/token", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_grant", decoded["error"])
}

func TestSessionEndpoints(t *testing.T) {
	verifier := "test-verifier-test-verifier-test-verifier-42"
	challenge := authcode.ComputeChallenge(verifier)

	t.Run("list requires a bearer token", func(t *testing.T) {
		a := setupAPI(t)
		rec, _ := a.request(t, http.MethodGet, "/v1/sessions", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("list, revoke, and token death", func(t *testing.T) {
		a := setupAPI(t)
		code := issueCode(t, a, "user-1", challenge)
		created := redeemCode(t, a, code, verifier)
		accessToken := created["access_token"].(string)
		sessionID := created["session_id"].(string)

		rec, decoded := a.request(t, http.MethodGet, "/v1/sessions", "", accessToken)
		require.Equal(t, http.StatusOK, rec.Code)
		sessions := decoded["sessions"].([]any)
		require.Len(t, sessions, 1)

		body := fmt.Sprintf(`{"session_id":%q}`, sessionID)
		rec, _ = a.request(t, http.MethodPost, "/v1/sessions/revoke", body, accessToken)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		// The access token stops working the moment its session dies.
		rec, _ = a.request(t, http.MethodGet, "/v1/sessions", "", accessToken)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("cannot revoke another user's session", func(t *testing.T) {
		a := setupAPI(t)
		victimCode := issueCode(t, a, "victim", challenge)
		victim := redeemCode(t, a, victimCode, verifier)

		attackerCode := issueCode(t, a, "attacker", challenge)
		attacker := redeemCode(t, a, attackerCode, verifier)

		body := fmt.Sprintf(`{"session_id":%q}`, victim["session_id"].(string))
		rec, decoded := a.request(t, http.MethodPost, "/v1/sessions/revoke", body, attacker["access_token"].(string))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", decoded["error"])
	})

	t.Run("revoke all reports the count", func(t *testing.T) {
		a := setupAPI(t)
		code := issueCode(t, a, "user-1", challenge)
		created := redeemCode(t, a, code, verifier)

		rec, decoded := a.request(t, http.MethodPost, "/v1/sessions/revoke_all", "{}", created["access_token"].(string))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), decoded["revoked_count"])
	})
}

func TestMFAEndpoints(t *testing.T) {
	verifier := "test-verifier-test-verifier-test-verifier-42"
	challenge := authcode.ComputeChallenge(verifier)

	a := setupAPI(t)
	code := issueCode(t, a, "user-1", challenge)
	created := redeemCode(t, a, code, verifier)
	accessToken := created["access_token"].(string)

	t.Run("totp setup returns a provisioning secret", func(t *testing.T) {
		rec, decoded := a.request(t, http.MethodPost, "/v1/mfa/totp/setup", `{"account_name":"u@example.com"}`, accessToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, decoded["secret"])
		assert.Contains(t, decoded["url"], "otpauth://")
	})

	t.Run("verify without enrollment", func(t *testing.T) {
		rec, decoded := a.request(t, http.MethodPost, "/v1/mfa/verify", `{"method":"totp","code":"123456"}`, accessToken)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "mfa_not_configured", decoded["error"])
	})

	t.Run("enroll with a bad proof code", func(t *testing.T) {
		rec, decoded := a.request(t, http.MethodPost, "/v1/mfa/enroll",
			`{"method":"totp","secret":"JBSWY3DPEHPK3PXP","code":"000000"}`, accessToken)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_code", decoded["error"])
	})
}

func TestAuthorizeRateLimit(t *testing.T) {
	verifier := "test-verifier-test-verifier-test-verifier-42"
	challenge := authcode.ComputeChallenge(verifier)

	a := setupAPI(t, func(cfg *config.Config) {
		cfg.RateLimit.AuthorizeRequests = 2
	})

	body := fmt.Sprintf(`{"user_id":"user-1","code_challenge":%q}`, challenge)
	for i := 0; i < 2; i++ {
		rec, _ := a.request(t, http.MethodPost, "/v1/authorize/code", body, "")
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, _ := a.request(t, http.MethodPost, "/v1/authorize/code", body, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestOpenAPIDocuments(t *testing.T) {
	a := setupAPI(t)

	t.Run("json", func(t *testing.T) {
		rec, _ := a.request(t, http.MethodGet, "/openapi.json", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "/v1/token")
	})

	t.Run("yaml", func(t *testing.T) {
		rec, _ := a.request(t, http.MethodGet, "/openapi.yaml", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "yaml")
		assert.Contains(t, rec.Body.String(), "/v1/token")
	})
}
