package authcode

import (
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/audit"
	"github.com/keyfort/keyfort/services/logging"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func NewProvider(db *gorm.DB, cfg *config.Config, logger *logging.Service, auditSvc *audit.Service) *Service {
	service := NewService(db, cfg, logger, auditSvc)

	if cfg.AuthCode.SweepInterval > 0 {
		service.StartSweepWorker(cfg.AuthCode.SweepInterval)
	}

	return service
}

var Module = fx.Options(
	fx.Provide(NewProvider),
)
