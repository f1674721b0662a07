package mail

import (
	"fmt"
	"time"

	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/logging"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Service delivers MFA challenge codes over SMTP. Delivery is awaited
// only up to the send call; nothing here confirms receipt.
type Service struct {
	config *config.MailConfig
	client *mail.Client
	logger *logging.Service
}

func NewService(cfg *config.MailConfig, logger *logging.Service) (*Service, error) {
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("MAIL_FROM_ADDRESS is required")
	}

	if logger != nil {
		logger.Info("initializing mail service",
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
			zap.String("encryption", cfg.Encryption),
			zap.String("from_address", cfg.FromAddress))
	}

	clientOpts := []mail.Option{
		mail.WithPort(cfg.Port),
	}

	switch cfg.Encryption {
	case "ssl":
		clientOpts = append(clientOpts, mail.WithSSL())
	case "none":
		clientOpts = append(clientOpts, mail.WithTLSPortPolicy(mail.NoTLS))
	default:
		clientOpts = append(clientOpts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	}

	if cfg.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username))
	}
	if cfg.Password != "" {
		clientOpts = append(clientOpts, mail.WithPassword(cfg.Password))
	}

	client, err := mail.NewClient(cfg.Host, clientOpts...)
	if err != nil {
		if logger != nil {
			logger.Error("failed to create mail client",
				zap.Error(err),
				zap.String("host", cfg.Host))
		}
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}

	return &Service{
		config: cfg,
		client: client,
		logger: logger,
	}, nil
}

// SendChallengeCode satisfies the MFA service's ChannelSender for the
// email method. The code itself never appears in logs.
func (s *Service) SendChallengeCode(destination, code string) error {
	message, err := s.challengeMessage(destination, code)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := s.client.DialAndSend(message); err != nil {
		if s.logger != nil {
			s.logger.Error("failed to send challenge email",
				zap.Error(err),
				zap.Duration("attempt_duration", time.Since(start)))
		}
		return fmt.Errorf("failed to send challenge email: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("challenge email sent",
			zap.Duration("send_duration", time.Since(start)))
	}
	return nil
}

func (s *Service) challengeMessage(destination, code string) (*mail.Msg, error) {
	message := mail.NewMsg()

	from := s.config.FromAddress
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.FromAddress)
	}
	if err := message.From(from); err != nil {
		return nil, fmt.Errorf("failed to set FROM address: %w", err)
	}
	if err := message.To(destination); err != nil {
		return nil, fmt.Errorf("failed to set TO address: %w", err)
	}

	message.Subject("Your verification code")
	message.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Your verification code is: %s\n\nIt expires shortly. If you did not request this code, you can ignore this message.\n", code))

	return message, nil
}
