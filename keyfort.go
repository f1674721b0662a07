package keyfort

import (
	"go.uber.org/fx"

	"github.com/keyfort/keyfort/app"
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/internal/options"
)

type App = app.App

func New(opts ...options.Option) (*App, error) {
	return app.New(opts...)
}

func WithConfig(cfg *config.Config) options.Option {
	return options.WithConfig(cfg)
}

func WithFxOptions(fxOpts ...fx.Option) options.Option {
	return options.WithFxOptions(fxOpts...)
}
