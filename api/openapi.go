package api

import (
	"encoding/json"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/keyfort/keyfort/config"
	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"
)

// Document is the hand-built OpenAPI description of the HTTP surface,
// served as JSON and YAML next to the API itself.
type Document struct {
	spec *openapi3.T
}

func NewDocument(cfg *config.Config) *Document {
	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       cfg.App.Name,
			Version:     "1.0.0",
			Description: "Credential issuance, rotation, and revocation service.",
		},
		Servers: openapi3.Servers{
			&openapi3.Server{URL: cfg.App.URL},
		},
		Components: &openapi3.Components{
			SecuritySchemes: openapi3.SecuritySchemes{
				"bearerAuth": &openapi3.SecuritySchemeRef{
					Value: &openapi3.SecurityScheme{
						Type:         "http",
						Scheme:       "bearer",
						BearerFormat: "JWT",
					},
				},
			},
		},
		Paths: openapi3.NewPaths(
			openapi3.WithPath("/healthz", &openapi3.PathItem{
				Get: operation("Liveness probe", "system", false,
					response(http.StatusOK, "Service is up")),
			}),
			openapi3.WithPath("/v1/authorize/code", &openapi3.PathItem{
				Post: operation("Issue a single-use authorization code bound to a PKCE challenge", "authorization", false,
					response(http.StatusCreated, "Authorization code issued"),
					response(http.StatusBadRequest, "Missing subject or malformed S256 challenge"),
					response(http.StatusTooManyRequests, "Rate limit exceeded")),
			}),
			openapi3.WithPath("/v1/token", &openapi3.PathItem{
				Post: operation("Exchange an authorization code or rotate a refresh token", "tokens", false,
					response(http.StatusOK, "Fresh access/refresh token pair"),
					response(http.StatusUnauthorized, "Grant is invalid, expired, revoked, or replayed"),
					response(http.StatusTooManyRequests, "Rate limit exceeded")),
			}),
			openapi3.WithPath("/v1/sessions", &openapi3.PathItem{
				Get: operation("List the caller's active sessions", "sessions", true,
					response(http.StatusOK, "Active sessions")),
			}),
			openapi3.WithPath("/v1/sessions/revoke", &openapi3.PathItem{
				Post: operation("Revoke one of the caller's sessions", "sessions", true,
					response(http.StatusNoContent, "Session revoked"),
					response(http.StatusNotFound, "No such session")),
			}),
			openapi3.WithPath("/v1/sessions/revoke_all", &openapi3.PathItem{
				Post: operation("Revoke every session of the caller", "sessions", true,
					response(http.StatusOK, "Count of revoked sessions")),
			}),
			openapi3.WithPath("/v1/mfa/totp/setup", &openapi3.PathItem{
				Post: operation("Generate a TOTP secret for enrollment", "mfa", true,
					response(http.StatusOK, "Provisioning secret and URL")),
			}),
			openapi3.WithPath("/v1/mfa/enroll", &openapi3.PathItem{
				Post: operation("Enable a factor after proving possession", "mfa", true,
					response(http.StatusOK, "Backup codes, returned exactly once"),
					response(http.StatusUnauthorized, "Proof code rejected"),
					response(http.StatusConflict, "A factor is already enabled")),
			}),
			openapi3.WithPath("/v1/mfa/challenge", &openapi3.PathItem{
				Post: operation("Send a one-time code over the enrolled channel", "mfa", true,
					response(http.StatusOK, "Challenge sent"),
					response(http.StatusServiceUnavailable, "Delivery channel unavailable")),
			}),
			openapi3.WithPath("/v1/mfa/verify", &openapi3.PathItem{
				Post: operation("Verify a one-time or backup code", "mfa", true,
					response(http.StatusOK, "Verification outcome"),
					response(http.StatusConflict, "MFA is not configured")),
			}),
			openapi3.WithPath("/v1/mfa/disable", &openapi3.PathItem{
				Post: operation("Disable the enrolled factor", "mfa", true,
					response(http.StatusNoContent, "Factor disabled"),
					response(http.StatusUnauthorized, "Proof code rejected")),
			}),
			openapi3.WithPath("/v1/mfa/backup-codes", &openapi3.PathItem{
				Post: operation("Replace the backup code set", "mfa", true,
					response(http.StatusOK, "Fresh backup codes"),
					response(http.StatusUnauthorized, "Proof code rejected")),
			}),
		),
	}

	return &Document{spec: spec}
}

func (d *Document) Spec() *openapi3.T {
	return d.spec
}

func (d *Document) JSON() ([]byte, error) {
	return json.Marshal(d.spec)
}

func (d *Document) YAML() ([]byte, error) {
	data, err := d.JSON()
	if err != nil {
		return nil, err
	}

	var intermediate any
	if err := json.Unmarshal(data, &intermediate); err != nil {
		return nil, err
	}
	return yaml.Marshal(intermediate)
}

func (d *Document) JSONHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		data, err := d.JSON()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to render document")
		}
		return c.JSONBlob(http.StatusOK, data)
	}
}

func (d *Document) YAMLHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		data, err := d.YAML()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to render document")
		}
		return c.Blob(http.StatusOK, "application/yaml", data)
	}
}

func operation(summary, tag string, secured bool, responses ...responsePair) *openapi3.Operation {
	opts := make([]openapi3.NewResponsesOption, 0, len(responses))
	for _, r := range responses {
		description := r.description
		opts = append(opts, openapi3.WithStatus(r.status, &openapi3.ResponseRef{
			Value: &openapi3.Response{Description: &description},
		}))
	}

	op := &openapi3.Operation{
		Summary:   summary,
		Tags:      []string{tag},
		Responses: openapi3.NewResponses(opts...),
	}
	if secured {
		op.Security = openapi3.NewSecurityRequirements().
			With(openapi3.SecurityRequirement{"bearerAuth": {}})
	}
	return op
}

type responsePair struct {
	status      int
	description string
}

func response(status int, description string) responsePair {
	return responsePair{status: status, description: description}
}
