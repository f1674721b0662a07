package options

import (
	"go.uber.org/fx"

	"github.com/keyfort/keyfort/config"
)

type Options struct {
	Config         *config.Config
	ExtraFxOptions []fx.Option
}

type Option func(*Options)

func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithConfig(cfg *config.Config) Option {
	return func(opts *Options) {
		opts.Config = cfg
	}
}

func WithFxOptions(fxOpts ...fx.Option) Option {
	return func(opts *Options) {
		opts.ExtraFxOptions = append(opts.ExtraFxOptions, fxOpts...)
	}
}
