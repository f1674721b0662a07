package app

import (
	"context"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/internal/options"
	"github.com/keyfort/keyfort/server"
	"github.com/keyfort/keyfort/services/logging"
)

func createTestConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Name: "keyfort-test",
			URL:  "http://localhost:8080",
		},
		Server: config.ServerConfig{
			Host: "localhost",
			Port: "8080",
		},
		Log: config.LogConfig{
			Level:  "debug",
			Format: "console",
			Output: "stdout",
		},
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			DSN:         ":memory:",
			AutoMigrate: true,
		},
		AccessToken: config.AccessTokenConfig{
			SecretKey: "0123456789abcdefghijklmnopqrstuvwxyz",
			Expiry:    15 * time.Minute,
			Issuer:    "keyfort-test",
			Audience:  "keyfort-test",
			Algorithm: "HS256",
		},
		RefreshToken: config.RefreshTokenConfig{
			TokenLength: 32,
			Expiry:      720 * time.Hour,
		},
		AuthCode: config.AuthCodeConfig{
			CodeLength:    32,
			Expiry:        10 * time.Minute,
			IssueAttempts: 3,
		},
		MFA: config.MFAConfig{
			Issuer:          "keyfort-test",
			BackupCodeCount: 10,
			BcryptCost:      4,
			ChallengeExpiry: 10 * time.Minute,
		},
		RateLimit: config.RateLimitConfig{
			AuthorizeRequests: 10,
			AuthorizeWindow:   time.Minute,
			TokenRequests:     5,
			TokenWindow:       time.Minute,
			MFARequests:       5,
			MFAWindow:         time.Minute,
			SweepBatchSize:    500,
		},
	}
}

func TestNew(t *testing.T) {
	t.Run("builds the full graph", func(t *testing.T) {
		app, err := New(options.WithConfig(createTestConfig()))

		require.NoError(t, err)
		require.NoError(t, app.Err())

		assert.NotNil(t, app.Server())
		assert.NotNil(t, app.HTTPServer())
		assert.NotNil(t, app.DB())
		assert.NotNil(t, app.Logger())
		assert.NotNil(t, app.Config())
	})

	t.Run("registers the credential routes", func(t *testing.T) {
		app, err := New(options.WithConfig(createTestConfig()))
		require.NoError(t, err)
		require.NoError(t, app.Err())

		paths := make(map[string]bool)
		for _, route := range app.Server().Routes() {
			paths[route.Path] = true
		}

		assert.True(t, paths["/v1/authorize/code"])
		assert.True(t, paths["/v1/token"])
		assert.True(t, paths["/v1/sessions"])
		assert.True(t, paths["/v1/mfa/verify"])
	})

	t.Run("mail joins the graph only when configured", func(t *testing.T) {
		cfg := createTestConfig()
		cfg.Mail.Host = "localhost"
		cfg.Mail.Port = 587
		cfg.Mail.Encryption = "starttls"
		cfg.Mail.FromAddress = "noreply@example.com"

		app, err := New(options.WithConfig(cfg))
		require.NoError(t, err)
		assert.NoError(t, app.Err())
	})

	t.Run("broken mail config surfaces through Err", func(t *testing.T) {
		cfg := createTestConfig()
		cfg.Mail.FromAddress = "noreply@example.com"
		cfg.Mail.Host = ""

		app, err := New(options.WithConfig(cfg))
		require.NoError(t, err)
		assert.Error(t, app.Err())
	})

	t.Run("extra fx options are applied", func(t *testing.T) {
		invoked := false
		app, err := New(
			options.WithConfig(createTestConfig()),
			options.WithFxOptions(fx.Invoke(func() { invoked = true })),
		)

		require.NoError(t, err)
		require.NoError(t, app.Err())
		assert.True(t, invoked)
	})
}

func TestModels(t *testing.T) {
	models := Models()

	assert.Len(t, models, 9)
	for _, model := range models {
		assert.NotNil(t, model)
	}
}

func TestApp_Start(t *testing.T) {
	t.Run("successful start", func(t *testing.T) {
		fxApp := fx.New(fx.NopLogger)
		app := &App{fx: fxApp}

		err := app.Start()

		assert.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		fxApp.Stop(ctx)
	})

	t.Run("start with error", func(t *testing.T) {
		fxApp := fx.New(
			fx.NopLogger,
			fx.Invoke(func() error {
				return assert.AnError
			}),
		)
		app := &App{fx: fxApp}

		err := app.Start()

		assert.Error(t, err)
	})
}

func TestApp_StartTest(t *testing.T) {
	fxApp := fx.New(fx.NopLogger)
	app := &App{fx: fxApp}

	err := app.StartTest()

	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	fxApp.Stop(ctx)
}

func TestApp_Stop(t *testing.T) {
	t.Run("successful stop", func(t *testing.T) {
		fxApp := fx.New(fx.NopLogger)
		app := &App{fx: fxApp}

		ctx := context.Background()
		fxApp.Start(ctx)

		app.Stop()
	})

	t.Run("stop without logger", func(t *testing.T) {
		fxApp := fx.New(
			fx.NopLogger,
			fx.Invoke(func(lc fx.Lifecycle) {
				lc.Append(fx.Hook{
					OnStop: func(ctx context.Context) error {
						return assert.AnError
					},
				})
			}),
		)
		app := &App{fx: fxApp, logger: nil}

		ctx := context.Background()
		fxApp.Start(ctx)

		app.Stop()
	})
}

func TestApp_StopTest(t *testing.T) {
	fxApp := fx.New(fx.NopLogger)
	app := &App{fx: fxApp}

	ctx := context.Background()
	fxApp.Start(ctx)

	app.StopTest()
}

func TestApp_Server(t *testing.T) {
	t.Run("server exists", func(t *testing.T) {
		cfg := createTestConfig()
		logger, _ := logging.NewService(logging.Config{
			Level:      "debug",
			Format:     "console",
			OutputPath: "stdout",
		})
		srv := server.New(cfg, logger)
		app := &App{server: srv}

		result := app.Server()

		assert.Equal(t, srv.Echo(), result)
		assert.NotNil(t, result)
	})

	t.Run("server is nil", func(t *testing.T) {
		app := &App{server: nil, logger: nil}

		result := app.Server()

		assert.Nil(t, result)
	})
}

func TestApp_RegisterRoutes(t *testing.T) {
	t.Run("with valid server", func(t *testing.T) {
		cfg := createTestConfig()
		logger, _ := logging.NewService(logging.Config{
			Level:      "debug",
			Format:     "console",
			OutputPath: "stdout",
		})
		srv := server.New(cfg, logger)
		app := &App{server: srv}

		called := false
		app.RegisterRoutes(func(e *echo.Echo) {
			called = true
			assert.Equal(t, srv.Echo(), e)
		})

		assert.True(t, called)
	})

	t.Run("with nil server", func(t *testing.T) {
		app := &App{server: nil}

		called := false
		app.RegisterRoutes(func(e *echo.Echo) {
			called = true
		})

		assert.False(t, called)
	})
}

func TestApp_HTTPMethods(t *testing.T) {
	cfg := createTestConfig()
	logger, _ := logging.NewService(logging.Config{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	srv := server.New(cfg, logger)
	app := &App{server: srv}
	e := srv.Echo()

	handler := func(c echo.Context) error {
		return c.String(200, "OK")
	}

	app.Get("/test-get", handler)
	app.Post("/test-post", handler)
	app.Delete("/test-delete", handler)

	registered := make(map[string]bool)
	for _, route := range e.Routes() {
		registered[route.Method+" "+route.Path] = true
	}

	assert.True(t, registered["GET /test-get"])
	assert.True(t, registered["POST /test-post"])
	assert.True(t, registered["DELETE /test-delete"])

	// nil server is a no-op, not a panic
	empty := &App{server: nil}
	empty.Get("/x", handler)
	empty.Post("/x", handler)
	empty.Delete("/x", handler)
}
