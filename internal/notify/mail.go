package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	"workspaces/config"
)

// ErrNoRecipient is returned when an owner has no email address configured.
var ErrNoRecipient = errors.New("owner has no email address configured")

// Recipients resolves the email address of a workspace owner.
type Recipients interface {
	Recipient(owner string) (string, error)
}

// Mailer sends events as plain-text email through an SMTP relay.
type Mailer struct {
	cfg        config.SMTPConfig
	recipients Recipients
	// send delivers a built message; replaced in tests.
	send func(ctx context.Context, msg *mail.Msg) error
}

// NewMailer creates a Mailer for the relay described by cfg.
func NewMailer(cfg config.SMTPConfig, recipients Recipients) (*Mailer, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	m := &Mailer{cfg: cfg, recipients: recipients}
	m.send = func(ctx context.Context, msg *mail.Msg) error {
		client, err := mail.NewClient(cfg.Relay, opts...)
		if err != nil {
			return fmt.Errorf("smtp client for %s: %w", cfg.Relay, err)
		}
		return client.DialAndSendWithContext(ctx, msg)
	}
	return m, nil
}

func clientOptions(cfg config.SMTPConfig) ([]mail.Option, error) {
	var opts []mail.Option
	switch cfg.TLS {
	case "", "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "wrapper":
		opts = append(opts, mail.WithSSL())
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		return nil, fmt.Errorf("unsupported smtp tls mode %q", cfg.TLS)
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		auth := mail.SMTPAuthPlain
		if cfg.Auth == "login" {
			auth = mail.SMTPAuthLogin
		}
		opts = append(opts,
			mail.WithSMTPAuth(auth),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return opts, nil
}

func (m *Mailer) Name() string { return "smtp" }

// Send mails e to the workspace owner.
func (m *Mailer) Send(ctx context.Context, e Event) error {
	to, err := m.recipients.Recipient(e.Owner)
	if err != nil {
		return err
	}
	return m.SendTo(ctx, to, e)
}

// SendTo mails e to an explicit address.
func (m *Mailer) SendTo(ctx context.Context, to string, e Event) error {
	msg, err := m.message(to, e)
	if err != nil {
		return err
	}
	if err := m.send(ctx, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

func (m *Mailer) message(to string, e Event) (*mail.Msg, error) {
	from := m.cfg.From
	if from == "" {
		from = m.cfg.Username
	}
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", from, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", to, err)
	}
	msg.Subject(e.Subject())
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, e.Body())
	return msg, nil
}
