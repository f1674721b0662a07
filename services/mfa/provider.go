package mfa

import (
	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/audit"
	"github.com/keyfort/keyfort/services/logging"
	"github.com/keyfort/keyfort/services/mail"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func NewProvider(db *gorm.DB, cfg *config.Config, logger *logging.Service, auditSvc *audit.Service) *Service {
	service := NewService(db, cfg, logger, auditSvc)

	if cfg.MFA.SweepInterval > 0 {
		service.StartSweepWorker(cfg.MFA.SweepInterval)
	}

	return service
}

type OptionalSenders struct {
	fx.In
	Mail *mail.Service `optional:"true"`
}

// WireChannelSenders attaches whatever delivery channels the app has
// configured. Email rides on the mail service; sms stays unset until an
// external gateway is registered.
func WireChannelSenders(service *Service, senders OptionalSenders) {
	if service != nil && senders.Mail != nil {
		service.SetEmailSender(senders.Mail)
	}
}

var Module = fx.Options(
	fx.Provide(NewProvider),
	fx.Invoke(WireChannelSenders),
)
