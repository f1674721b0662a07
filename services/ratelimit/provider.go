package ratelimit

import (
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/logging"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideRateLimitService(db *gorm.DB, cfg *config.Config, logger *logging.Service) *Service {
	service := NewService(db, logger)

	if cfg.RateLimit.SweepInterval > 0 {
		service.StartSweepWorker(cfg.RateLimit.SweepInterval, cfg.RateLimit.SweepBatchSize)
	}

	return service
}

var Options = fx.Options(
	fx.Provide(ProvideRateLimitService),
)
