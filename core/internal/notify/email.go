package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/wneessen/go-mail"

	"predictive-maintenance-core/shared/config"
)

// SMTPSender delivers plain-text mail through the configured relay. It opens
// one connection per message.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func NewSMTPSender(cfg config.Config) (*SMTPSender, error) {
	if cfg.SMTPHost == "" {
		return nil, errors.New("SMTP_HOST is required")
	}
	if cfg.SMTPFrom == "" {
		return nil, errors.New("SMTP_FROM is required")
	}
	return &SMTPSender{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.SMTPFrom,
	}, nil
}

func (s *SMTPSender) Send(ctx context.Context, to []string, subject string, body string) error {
	// address errors do not improve on retry
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return backoff.Permanent(fmt.Errorf("invalid sender: %w", err))
	}
	if err := msg.To(to...); err != nil {
		return backoff.Permanent(fmt.Errorf("invalid recipient: %w", err))
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(s.port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.username),
			mail.WithPassword(s.password),
		)
	}
	client, err := mail.NewClient(s.host, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}
