package api

import (
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/middleware/authtoken"
	ratelimitmw "github.com/keyfort/keyfort/middleware/ratelimit"
	"github.com/keyfort/keyfort/server"
	"github.com/keyfort/keyfort/services/logging"
	ratelimitsvc "github.com/keyfort/keyfort/services/ratelimit"
	"github.com/keyfort/keyfort/services/session"
)

// RegisterRoutes wires the HTTP surface. Admission middleware runs
// before every credential operation it guards; the bearer guard runs
// before anything session-scoped.
func RegisterRoutes(srv *server.Server, h *Handler, sessions *session.Service, limiter *ratelimitsvc.Service, cfg *config.Config, logger *logging.Service) {
	e := srv.Echo()
	e.Use(logging.RequestLogger(logger, "/healthz", "/openapi.json", "/openapi.yaml"))

	doc := NewDocument(cfg)
	e.GET("/healthz", h.Healthz)
	e.GET("/openapi.json", doc.JSONHandler())
	e.GET("/openapi.yaml", doc.YAMLHandler())

	authorizeLimit := ratelimitmw.Middleware(&ratelimitmw.Config{
		Limiter: limiter,
		Action:  "authorize",
		Limit:   cfg.RateLimit.AuthorizeRequests,
		Window:  cfg.RateLimit.AuthorizeWindow,
		Logger:  logger,
	})
	tokenLimit := ratelimitmw.Middleware(&ratelimitmw.Config{
		Limiter: limiter,
		Action:  "token_refresh",
		Limit:   cfg.RateLimit.TokenRequests,
		Window:  cfg.RateLimit.TokenWindow,
		Logger:  logger,
	})
	mfaLimit := ratelimitmw.Middleware(&ratelimitmw.Config{
		Limiter:      limiter,
		Action:       "mfa_verify",
		Limit:        cfg.RateLimit.MFARequests,
		Window:       cfg.RateLimit.MFAWindow,
		Logger:       logger,
		KeyGenerator: ratelimitmw.UserKeyGenerator,
	})
	bearer := authtoken.RequireAccessToken(sessions)

	v1 := srv.Group("/v1")
	v1.POST("/authorize/code", h.IssueAuthorizationCode, authorizeLimit)
	v1.POST("/token", h.Token, tokenLimit)

	v1.GET("/sessions", h.ListSessions, bearer)
	v1.POST("/sessions/revoke", h.RevokeSession, bearer)
	v1.POST("/sessions/revoke_all", h.RevokeAllSessions, bearer)

	mfaGroup := v1.Group("/mfa", bearer, mfaLimit)
	mfaGroup.POST("/totp/setup", h.SetupTOTP)
	mfaGroup.POST("/enroll", h.EnrollMFA)
	mfaGroup.POST("/challenge", h.StartMFAChallenge)
	mfaGroup.POST("/verify", h.VerifyMFA)
	mfaGroup.POST("/disable", h.DisableMFA)
	mfaGroup.POST("/backup-codes", h.RegenerateBackupCodes)
}
