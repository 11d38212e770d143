// Package mailer provides outbound email delivery with SMTP and log-only
// backends.
package mailer

import (
	"context"
	"fmt"
	"log/slog"

	gomail "github.com/wneessen/go-mail"

	"github.com/bedrockdb/bedrock/internal/config"
)

// Mailer delivers a single plain-text message.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// New returns the mailer for the configuration: the SMTP backend when
// configured, otherwise a logger-backed mailer for development setups.
func New(cfg config.EmailConfig, logger *slog.Logger) Mailer {
	if cfg.Backend == "smtp" && cfg.SMTPHost != "" {
		return &SMTPMailer{cfg: cfg}
	}
	if cfg.Backend == "smtp" {
		logger.Warn("smtp backend selected without smtp_host, falling back to log mailer")
	}
	return &LogMailer{logger: logger}
}

// LogMailer writes outbound mail to the log instead of sending it.
type LogMailer struct {
	logger *slog.Logger
}

func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.logger.Info("outbound email", "to", to, "subject", subject, "body", body)
	return nil
}

// SMTPMailer sends through a configured SMTP relay.
type SMTPMailer struct {
	cfg config.EmailConfig
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := gomail.NewMsg()
	if m.cfg.FromName != "" {
		if err := msg.FromFormat(m.cfg.FromName, m.cfg.From); err != nil {
			return fmt.Errorf("invalid sender: %w", err)
		}
	} else if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	tlsPolicy := gomail.TLSOpportunistic
	if m.cfg.SMTPTLS {
		tlsPolicy = gomail.TLSMandatory
	}
	opts := []gomail.Option{
		gomail.WithPort(m.cfg.SMTPPort),
		gomail.WithTLSPolicy(tlsPolicy),
	}
	if m.cfg.SMTPUser != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.SMTPUser),
			gomail.WithPassword(m.cfg.SMTPPass),
		)
	}
	client, err := gomail.NewClient(m.cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}
