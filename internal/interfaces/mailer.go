package interfaces

import "context"

// EmailMessage is a rendered email ready for delivery
type EmailMessage struct {
	To             string
	ToName         string
	Subject        string
	HTMLBody       string
	TextBody       string
	UnsubscribeURL string            // Emitted as List-Unsubscribe when set
	Headers        map[string]string // Extra headers, e.g. X-Digest-Period
}

// Deliverer is the opaque email delivery capability
type Deliverer interface {
	Deliver(ctx context.Context, msg *EmailMessage) error
	Name() string
}
