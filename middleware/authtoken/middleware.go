package authtoken

import (
	"net/http"
	"strings"

	"github.com/keyfort/keyfort/services/session"
	"github.com/labstack/echo/v4"
)

const (
	UserIDKey    = "_auth_user_id"
	SessionIDKey = "_auth_session_id"
)

// RequireAccessToken guards a route with a bearer access token. The
// token must parse, carry a valid signature, and name a session that is
// still active: a revoked session rejects the token even before its
// expiry. Rejection reasons stay out of the response body.
func RequireAccessToken(sessions *session.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			raw := strings.TrimPrefix(authHeader, "Bearer ")
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Access token required")
			}

			validation, err := sessions.ValidateAccessToken(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "Token validation failed")
			}

			if !validation.Valid {
				switch validation.Reason {
				case session.ReasonTokenExpired:
					return echo.NewHTTPError(http.StatusUnauthorized, "Access token has expired")
				case session.ReasonSessionInactive:
					return echo.NewHTTPError(http.StatusUnauthorized, "Session is no longer active")
				default:
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid access token")
				}
			}

			c.Set(UserIDKey, validation.UserID)
			c.Set(SessionIDKey, validation.SessionID)

			return next(c)
		}
	}
}

func GetUserID(c echo.Context) string {
	if userID, ok := c.Get(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

func GetSessionID(c echo.Context) string {
	if sessionID, ok := c.Get(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}
