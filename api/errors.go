package api

import (
	"errors"
	"net/http"

	"github.com/keyfort/keyfort/services/authcode"
	"github.com/keyfort/keyfort/services/mfa"
	"github.com/keyfort/keyfort/services/refreshtoken"
	"github.com/keyfort/keyfort/services/session"
	"github.com/labstack/echo/v4"
)

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// mapError turns a service rejection into a transport response. Bodies
// stay generic on purpose: the audit trail carries the detail, the
// caller only learns that their grant is no good.
func mapError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, authcode.ErrCodeNotFound),
		errors.Is(err, authcode.ErrCodeAlreadyUsed),
		errors.Is(err, authcode.ErrCodeExpired),
		errors.Is(err, authcode.ErrVerifierMismatch),
		errors.Is(err, refreshtoken.ErrTokenNotFound),
		errors.Is(err, refreshtoken.ErrTokenExpired),
		errors.Is(err, refreshtoken.ErrTokenReused),
		errors.Is(err, refreshtoken.ErrTokenRevoked),
		errors.Is(err, refreshtoken.ErrFingerprintMismatch):
		return respond(http.StatusUnauthorized, "invalid_grant", "")

	case errors.Is(err, mfa.ErrInvalidCode):
		return respond(http.StatusUnauthorized, "invalid_code", "")

	case errors.Is(err, mfa.ErrNotEnrolled):
		return respond(http.StatusConflict, "mfa_not_configured", "")

	case errors.Is(err, mfa.ErrAlreadyEnrolled):
		return respond(http.StatusConflict, "mfa_already_configured", "")

	case errors.Is(err, mfa.ErrInvalidMethod),
		errors.Is(err, mfa.ErrSecretRequired),
		errors.Is(err, authcode.ErrChallengeRequired),
		errors.Is(err, authcode.ErrSubjectRequired),
		errors.Is(err, session.ErrUserRequired):
		return respond(http.StatusBadRequest, "invalid_request", err.Error())

	case errors.Is(err, session.ErrSessionNotFound):
		return respond(http.StatusNotFound, "not_found", "")

	case errors.Is(err, mfa.ErrChannelUnavailable),
		errors.Is(err, authcode.ErrCodeCollision):
		return respond(http.StatusServiceUnavailable, "temporarily_unavailable", "")

	default:
		return respond(http.StatusInternalServerError, "server_error", "")
	}
}

func badRequest(description string) *echo.HTTPError {
	return respond(http.StatusBadRequest, "invalid_request", description)
}

func respond(status int, code, description string) *echo.HTTPError {
	return &echo.HTTPError{
		Code:    status,
		Message: errorResponse{Error: code, Description: description},
	}
}
