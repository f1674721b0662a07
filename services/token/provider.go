package token

import (
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/logging"
	"go.uber.org/fx"
)

func NewTokenService(cfg *config.Config, logger *logging.Service) *Service {
	return NewService(cfg, logger)
}

var Options = fx.Options(
	fx.Provide(NewTokenService),
)
