package refreshtoken

import (
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/audit"
	"github.com/keyfort/keyfort/services/logging"
	"github.com/keyfort/keyfort/services/session"
	"github.com/keyfort/keyfort/services/token"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideRefreshTokenService(db *gorm.DB, config *config.Config, logger *logging.Service, auditSvc *audit.Service, tokens *token.Service) *Service {
	return NewService(db, config, logger, auditSvc, tokens)
}

// WireSessionService closes the session/refreshtoken loop: sessions mint
// their initial tokens through this service, but the package dependency
// points the other way.
func WireSessionService(sessions *session.Service, service *Service) {
	if sessions != nil && service != nil {
		sessions.SetRefreshTokenService(service)
	}
}

var Options = fx.Options(
	fx.Provide(ProvideRefreshTokenService),
	fx.Invoke(WireSessionService),
)
