package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gomail "github.com/wneessen/go-mail"
)

var (
	// ErrMissingRecipient indicates an empty destination address.
	ErrMissingRecipient = errors.New("mailer: recipient address is required")
	errMissingSMTPHost  = errors.New("mailer: smtp host is required")
	errMissingFrom      = errors.New("mailer: from address is required")
)

// Mailer delivers a single message. Failures are hard failures of the
// surrounding flow; nothing here retries.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string, isHTML bool) error
}

// SMTPConfig carries SMTP connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends mail over authenticated SMTP.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer validates the configuration and returns a Mailer.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errMissingSMTPHost
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errMissingFrom
	}
	return &SMTPMailer{cfg: cfg}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string, isHTML bool) error {
	if strings.TrimSpace(to) == "" {
		return ErrMissingRecipient
	}

	message := gomail.NewMsg()
	if err := message.From(m.cfg.From); err != nil {
		return fmt.Errorf("mailer: invalid from address: %w", err)
	}
	if err := message.To(to); err != nil {
		return fmt.Errorf("mailer: invalid recipient: %w", err)
	}
	message.Subject(subject)
	if isHTML {
		message.SetBodyString(gomail.TypeTextHTML, body)
	} else {
		message.SetBodyString(gomail.TypeTextPlain, body)
	}

	options := []gomail.Option{
		gomail.WithPort(m.cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(m.cfg.Username),
		gomail.WithPassword(m.cfg.Password),
	}
	client, err := gomail.NewClient(m.cfg.Host, options...)
	if err != nil {
		return fmt.Errorf("mailer: client setup: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, message); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", to, err)
	}
	return nil
}
