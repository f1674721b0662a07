package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/middleware/authtoken"
	"github.com/keyfort/keyfort/services/authcode"
	"github.com/keyfort/keyfort/services/logging"
	"github.com/keyfort/keyfort/services/mfa"
	"github.com/keyfort/keyfort/services/refreshtoken"
	"github.com/keyfort/keyfort/services/session"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Handler maps the HTTP surface onto the credential services. It holds
// no state of its own: every decision, check, and audit write happens in
// the service layer.
type Handler struct {
	config    *config.Config
	logger    *logging.Service
	authCodes *authcode.Service
	sessions  *session.Service
	rotator   *refreshtoken.Service
	mfa       *mfa.Service
}

func NewHandler(cfg *config.Config, logger *logging.Service, authCodes *authcode.Service, sessions *session.Service, rotator *refreshtoken.Service, mfaSvc *mfa.Service) *Handler {
	return &Handler{
		config:    cfg,
		logger:    logger,
		authCodes: authCodes,
		sessions:  sessions,
		rotator:   rotator,
		mfa:       mfaSvc,
	}
}

func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type issueCodeRequest struct {
	UserID              string `json:"user_id"`
	Email               string `json:"email"`
	WalletAddress       string `json:"wallet_address"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	DeviceFingerprint   string `json:"device_fingerprint"`
}

// IssueAuthorizationCode mints a single-use code for an identity the
// upstream provider has already proven. Code-generation collisions are
// retried a bounded number of times before giving up.
func (h *Handler) IssueAuthorizationCode(c echo.Context) error {
	var req issueCodeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	if req.CodeChallengeMethod != "" && req.CodeChallengeMethod != authcode.ChallengeMethodS256 {
		return badRequest("code_challenge_method must be S256")
	}

	identity := authcode.Identity{
		UserID:        req.UserID,
		Email:         req.Email,
		WalletAddress: req.WalletAddress,
	}
	meta := authcode.RequestMeta{
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         c.RealIP(),
		UserAgent:         c.Request().UserAgent(),
	}

	attempts := h.config.AuthCode.IssueAttempts
	if attempts < 1 {
		attempts = 1
	}

	var issued *authcode.IssuedCode
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		issued, err = h.authCodes.Issue(identity, req.CodeChallenge, meta)
		if !errors.Is(err, authcode.ErrCodeCollision) {
			break
		}
	}
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusCreated, issued)
}

type tokenRequest struct {
	GrantType         string `json:"grant_type"`
	Code              string `json:"code"`
	CodeVerifier      string `json:"code_verifier"`
	RefreshToken      string `json:"refresh_token"`
	DeviceID          string `json:"device_id"`
	DeviceFingerprint string `json:"device_fingerprint"`
	Platform          string `json:"platform"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// Token is the single credential-exchange endpoint: redeeming an
// authorization code bootstraps a session, presenting a refresh token
// rotates its pair.
func (h *Handler) Token(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	switch req.GrantType {
	case "authorization_code":
		return h.tokenFromCode(c, req)
	case "refresh_token":
		return h.tokenFromRefresh(c, req)
	default:
		return &echo.HTTPError{
			Code:    http.StatusBadRequest,
			Message: errorResponse{Error: "unsupported_grant_type"},
		}
	}
}

func (h *Handler) tokenFromCode(c echo.Context, req tokenRequest) error {
	if req.Code == "" || req.CodeVerifier == "" {
		return badRequest("code and code_verifier are required")
	}

	identity, err := h.authCodes.Redeem(req.Code, req.CodeVerifier)
	if err != nil {
		return mapError(err)
	}

	created, err := h.sessions.Create(identity.UserID, session.DeviceInfo{
		DeviceID:          req.DeviceID,
		DeviceFingerprint: req.DeviceFingerprint,
		Platform:          req.Platform,
		IPAddress:         c.RealIP(),
		UserAgent:         c.Request().UserAgent(),
	})
	if err != nil {
		if h.logger != nil {
			h.logger.Error("session bootstrap failed", zap.Error(err))
		}
		return mapError(err)
	}

	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken:      created.AccessToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(time.Until(created.AccessExpiresAt).Seconds()),
		AccessExpiresAt:  created.AccessExpiresAt,
		RefreshToken:     created.RefreshToken,
		RefreshExpiresAt: created.RefreshExpiresAt,
		SessionID:        created.Session.ID,
	})
}

func (h *Handler) tokenFromRefresh(c echo.Context, req tokenRequest) error {
	if req.RefreshToken == "" {
		return badRequest("refresh_token is required")
	}

	rotated, err := h.rotator.Rotate(req.RefreshToken, refreshtoken.RequestMeta{
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         c.RealIP(),
		UserAgent:         c.Request().UserAgent(),
	})
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken:      rotated.AccessToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(time.Until(rotated.AccessExpiresAt).Seconds()),
		AccessExpiresAt:  rotated.AccessExpiresAt,
		RefreshToken:     rotated.RefreshToken,
		RefreshExpiresAt: rotated.RefreshExpiresAt,
		SessionID:        rotated.SessionID,
	})
}

func (h *Handler) ListSessions(c echo.Context) error {
	sessions, err := h.sessions.ListActive(authtoken.GetUserID(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

type revokeSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) RevokeSession(c echo.Context) error {
	var req revokeSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.SessionID == "" {
		return badRequest("session_id is required")
	}

	// A user may only revoke their own sessions; anything else looks
	// like a session that does not exist.
	sess, err := h.sessions.Get(req.SessionID)
	if err != nil || sess.UserID != authtoken.GetUserID(c) {
		return mapError(session.ErrSessionNotFound)
	}

	if err := h.sessions.Revoke(req.SessionID, "user_revoked"); err != nil {
		return mapError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RevokeAllSessions(c echo.Context) error {
	count, err := h.sessions.RevokeAllForUser(authtoken.GetUserID(c), "user_revoked_all")
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"revoked_count": count})
}

type totpSetupRequest struct {
	AccountName string `json:"account_name"`
}

func (h *Handler) SetupTOTP(c echo.Context) error {
	var req totpSetupRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	key, err := h.mfa.SetupTOTP(authtoken.GetUserID(c), req.AccountName)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"secret": key.Secret(),
		"url":    key.URL(),
	})
}

type enrollRequest struct {
	Method  string `json:"method"`
	Secret  string `json:"secret"`
	Contact string `json:"contact"`
	Code    string `json:"code"`
}

func (h *Handler) EnrollMFA(c echo.Context) error {
	var req enrollRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	secretOrContact := req.Secret
	if secretOrContact == "" {
		secretOrContact = req.Contact
	}

	backupCodes, err := h.mfa.Enroll(authtoken.GetUserID(c), req.Method, secretOrContact, req.Code)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{"backup_codes": backupCodes})
}

type challengeRequest struct {
	Method      string `json:"method"`
	Destination string `json:"destination"`
}

func (h *Handler) StartMFAChallenge(c echo.Context) error {
	var req challengeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	expiresAt, err := h.mfa.StartChannelChallenge(authtoken.GetUserID(c), req.Method, req.Destination)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{"expires_at": expiresAt})
}

type verifyRequest struct {
	Method string `json:"method"`
	Code   string `json:"code"`
}

func (h *Handler) VerifyMFA(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	valid, err := h.mfa.Verify(authtoken.GetUserID(c), req.Method, req.Code)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"valid": valid})
}

type proofRequest struct {
	Code string `json:"code"`
}

func (h *Handler) DisableMFA(c echo.Context) error {
	var req proofRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	if err := h.mfa.Disable(authtoken.GetUserID(c), req.Code); err != nil {
		return mapError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RegenerateBackupCodes(c echo.Context) error {
	var req proofRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	backupCodes, err := h.mfa.RegenerateBackupCodes(authtoken.GetUserID(c), req.Code)
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{"backup_codes": backupCodes})
}
