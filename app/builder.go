package app

import (
	"fmt"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/keyfort/keyfort/api"
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/database"
	"github.com/keyfort/keyfort/internal/options"
	"github.com/keyfort/keyfort/server"
	"github.com/keyfort/keyfort/services/audit"
	"github.com/keyfort/keyfort/services/authcode"
	"github.com/keyfort/keyfort/services/logging"
	"github.com/keyfort/keyfort/services/mail"
	"github.com/keyfort/keyfort/services/mfa"
	"github.com/keyfort/keyfort/services/ratelimit"
	"github.com/keyfort/keyfort/services/refreshtoken"
	"github.com/keyfort/keyfort/services/session"
	"github.com/keyfort/keyfort/services/token"
)

// Models lists every persisted type so the database layer can migrate them in
// one place.
func Models() []any {
	return []any{
		&authcode.AuthorizationCode{},
		&session.Session{},
		&refreshtoken.RefreshToken{},
		&mfa.Configuration{},
		&mfa.BackupCode{},
		&mfa.ChannelChallenge{},
		&mfa.UsedCode{},
		&ratelimit.Hit{},
		&audit.Entry{},
	}
}

// New assembles the full credential service. Configuration comes from the
// environment unless WithConfig supplies one.
func New(opts ...options.Option) (*App, error) {
	o := options.Apply(opts...)

	cfg := o.Config
	if cfg == nil {
		cfg = &config.Config{}
		if err := config.LoadConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	logger, err := logging.NewService(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	fxOptions := []fx.Option{
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Supply(logger),
		fx.Supply(database.WithModels(Models()...)),
		database.Module,
		audit.Module,
		ratelimit.Options,
		token.Options,
		session.Options,
		authcode.Module,
		refreshtoken.Options,
		mfa.Module,
		server.NewProvider(),
		api.Module,
	}

	// The mail service refuses to construct without a from address, so only
	// join it to the graph when one is configured. MFA treats the sender as
	// optional and degrades email challenges to unavailable without it.
	if cfg.Mail.FromAddress != "" {
		fxOptions = append(fxOptions, mail.Module)
	}

	fxOptions = append(fxOptions, o.ExtraFxOptions...)

	fxOptions = append(fxOptions, fx.Invoke(func(srv *server.Server, db *gorm.DB) {
		app.server = srv
		app.db = db
	}))

	app.fx = fx.New(fxOptions...)

	return app, nil
}
