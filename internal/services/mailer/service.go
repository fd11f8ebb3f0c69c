// -----------------------------------------------------------------------
// Mailer - SMTP, Gmail API and log deliverers for digest emails
// Provider is chosen by [mailer] provider
// -----------------------------------------------------------------------

package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
)

// Config holds SMTP settings
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	UseTLS   bool
	Timeout  time.Duration
}

// NewConfig builds SMTP settings from the [mailer] section
func NewConfig(cfg common.MailerConfig) Config {
	return Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		FromName: cfg.FromName,
		UseTLS:   cfg.UseTLS,
		Timeout:  common.ParseDuration(cfg.Timeout, 30*time.Second),
	}
}

// IsConfigured checks the minimum settings needed to send
func (c Config) IsConfigured() bool {
	return c.Host != "" && c.Username != "" && c.Password != "" && c.From != ""
}

func (c Config) sender() *mail.Address {
	return &mail.Address{Name: c.FromName, Address: c.From}
}

// SMTPDeliverer sends mail through an SMTP relay
type SMTPDeliverer struct {
	config Config
	logger arbor.ILogger
	now    func() time.Time
}

var _ interfaces.Deliverer = (*SMTPDeliverer)(nil)

// NewSMTPDeliverer creates a new SMTP deliverer
func NewSMTPDeliverer(config Config, logger arbor.ILogger) *SMTPDeliverer {
	return &SMTPDeliverer{
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

func (s *SMTPDeliverer) Name() string {
	return "smtp"
}

// Deliver composes and sends msg
func (s *SMTPDeliverer) Deliver(ctx context.Context, msg *interfaces.EmailMessage) error {
	if s.config.Host == "" {
		return fmt.Errorf("SMTP host not configured")
	}
	if s.config.From == "" {
		return fmt.Errorf("from email not configured")
	}

	raw, err := Compose(s.config.sender(), msg, s.now())
	if err != nil {
		return err
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	if s.config.UseTLS {
		err = s.sendWithTLS(ctx, addr, auth, msg.To, raw)
	} else {
		err = s.send(ctx, addr, auth, msg.To, raw, false)
	}
	if err != nil {
		return err
	}

	s.logger.Debug().Str("to", msg.To).Str("host", s.config.Host).Msg("Email sent via SMTP")
	return nil
}

// sendWithTLS tries implicit TLS first (port 465) and falls back to STARTTLS
func (s *SMTPDeliverer) sendWithTLS(ctx context.Context, addr string, auth smtp.Auth, to string, raw []byte) error {
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: s.config.Host}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return s.send(ctx, addr, auth, to, raw, true)
	}
	return s.transact(ctx, conn, auth, to, raw, false)
}

func (s *SMTPDeliverer) send(ctx context.Context, addr string, auth smtp.Auth, to string, raw []byte, startTLS bool) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	return s.transact(ctx, conn, auth, to, raw, startTLS)
}

func (s *SMTPDeliverer) transact(ctx context.Context, conn net.Conn, auth smtp.Auth, to string, raw []byte, startTLS bool) error {
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if startTLS {
		if err := client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("failed to set mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set mail recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

// LogDeliverer logs messages instead of sending them. Used in development.
type LogDeliverer struct {
	logger arbor.ILogger
}

var _ interfaces.Deliverer = (*LogDeliverer)(nil)

// NewLogDeliverer creates a new log deliverer
func NewLogDeliverer(logger arbor.ILogger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

func (l *LogDeliverer) Name() string {
	return "log"
}

func (l *LogDeliverer) Deliver(ctx context.Context, msg *interfaces.EmailMessage) error {
	l.logger.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("unsubscribe_url", msg.UnsubscribeURL).
		Int("text_bytes", len(msg.TextBody)).
		Int("html_bytes", len(msg.HTMLBody)).
		Msg("Email delivery logged (log provider)")
	return nil
}

// NewDeliverer builds the deliverer selected by cfg.Provider
func NewDeliverer(ctx context.Context, cfg common.MailerConfig, logger arbor.ILogger) (interfaces.Deliverer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "smtp":
		config := NewConfig(cfg)
		if !config.IsConfigured() {
			logger.Warn().Str("host", config.Host).Msg("SMTP provider selected but credentials incomplete")
		}
		return NewSMTPDeliverer(config, logger), nil
	case "gmail":
		return NewGmailDeliverer(ctx, cfg, logger)
	case "", "log":
		return NewLogDeliverer(logger), nil
	default:
		return nil, fmt.Errorf("unsupported mailer provider: %s", cfg.Provider)
	}
}
