package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/keyfort/keyfort/middleware/authtoken"
	"github.com/keyfort/keyfort/services/logging"
	ratelimitsvc "github.com/keyfort/keyfort/services/ratelimit"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Limiter is the slice of the rate-limit service the middleware needs.
type Limiter interface {
	Admit(principal string, limit int, window time.Duration) (*ratelimitsvc.Decision, error)
}

type Config struct {
	Limiter Limiter
	// Action namespaces the principal key so different guarded
	// operations count independently.
	Action         string
	Limit          int
	Window         time.Duration
	Logger         *logging.Service
	KeyGenerator   func(c echo.Context) string
	OnLimitReached func(c echo.Context) error
}

// Middleware admits or denies the request before the handler runs. A
// denied request never reaches the handler and never consumes quota for
// itself; only admitted requests are counted.
func Middleware(cfg *Config) echo.MiddlewareFunc {
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyGenerator == nil {
		cfg.KeyGenerator = IPKeyGenerator
	}
	if cfg.OnLimitReached == nil {
		cfg.OnLimitReached = DefaultOnLimitReached
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal := cfg.Action + ":" + cfg.KeyGenerator(c)

			decision, err := cfg.Limiter.Admit(principal, cfg.Limit, cfg.Window)
			if err != nil {
				// A broken limiter backend must not take the
				// credential endpoints down with it.
				if cfg.Logger != nil {
					cfg.Logger.Error("rate limit admission unavailable",
						zap.String("action", cfg.Action),
						zap.Error(err))
				}
				return next(c)
			}

			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			c.Response().Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				return cfg.OnLimitReached(c)
			}

			return next(c)
		}
	}
}

// IPKeyGenerator keys the window on the client IP.
func IPKeyGenerator(c echo.Context) string {
	realIP := c.RealIP()
	if realIP == "" {
		realIP = "unknown"
	}
	return realIP
}

// UserKeyGenerator keys the window on the authenticated user, falling
// back to the client IP on routes reached before authentication.
func UserKeyGenerator(c echo.Context) string {
	if userID := authtoken.GetUserID(c); userID != "" {
		return userID
	}
	return IPKeyGenerator(c)
}

func DefaultOnLimitReached(c echo.Context) error {
	return echo.NewHTTPError(http.StatusTooManyRequests, "Too Many Requests")
}
