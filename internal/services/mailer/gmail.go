package mailer

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailDeliverer sends through the Gmail API as the configured sender account
type GmailDeliverer struct {
	service *gmail.Service
	from    *mail.Address
	logger  arbor.ILogger
	now     func() time.Time
}

var _ interfaces.Deliverer = (*GmailDeliverer)(nil)

// NewGmailDeliverer authorises with the sender's refresh token. ctx must
// outlive the deliverer since token refreshes run under it.
func NewGmailDeliverer(ctx context.Context, cfg common.MailerConfig, logger arbor.ILogger, opts ...option.ClientOption) (*GmailDeliverer, error) {
	if cfg.GmailRefreshToken == "" {
		return nil, fmt.Errorf("gmail provider requires a sender refresh token")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from email not configured")
	}

	config := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}

	// Expired on purpose so the first send refreshes
	token := &oauth2.Token{
		RefreshToken: cfg.GmailRefreshToken,
		TokenType:    "Bearer",
		Expiry:       time.Now(),
	}
	client := oauth2.NewClient(ctx, config.TokenSource(ctx, token))

	srv, err := gmail.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}

	return NewGmailDelivererWithService(srv, &mail.Address{Name: cfg.FromName, Address: cfg.From}, logger), nil
}

// NewGmailDelivererWithService wraps an existing Gmail service
func NewGmailDelivererWithService(srv *gmail.Service, from *mail.Address, logger arbor.ILogger) *GmailDeliverer {
	return &GmailDeliverer{
		service: srv,
		from:    from,
		logger:  logger,
		now:     time.Now,
	}
}

func (g *GmailDeliverer) Name() string {
	return "gmail"
}

func (g *GmailDeliverer) Deliver(ctx context.Context, msg *interfaces.EmailMessage) error {
	raw, err := Compose(g.from, msg, g.now())
	if err != nil {
		return err
	}

	sent, err := g.service.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to send message: %w", err)
	}

	g.logger.Debug().Str("to", msg.To).Str("gmail_id", sent.Id).Msg("Email sent via Gmail API")
	return nil
}
