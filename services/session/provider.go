package session

import (
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/audit"
	"github.com/keyfort/keyfort/services/logging"
	"github.com/keyfort/keyfort/services/token"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideSessionService(db *gorm.DB, cfg *config.Config, logger *logging.Service, auditSvc *audit.Service, tokens *token.Service) *Service {
	service := NewService(db, cfg, logger, auditSvc, tokens)

	if cfg.Session.SweepInterval > 0 {
		service.StartSweepWorker(cfg.Session.SweepInterval)
	}

	return service
}

var Options = fx.Options(
	fx.Provide(ProvideSessionService),
)
