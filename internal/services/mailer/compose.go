package mailer

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/ideadigest/internal/interfaces"
)

// Compose renders msg as an RFC 5322 message. With both bodies present the
// result is multipart/alternative, text first.
func Compose(from *mail.Address, msg *interfaces.EmailMessage, now time.Time) ([]byte, error) {
	if msg.To == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	if msg.HTMLBody == "" && msg.TextBody == "" {
		return nil, fmt.Errorf("message has no body")
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{{Name: msg.ToName, Address: msg.To}})
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	if msg.UnsubscribeURL != "" {
		h.Set("List-Unsubscribe", "<"+msg.UnsubscribeURL+">")
		h.Set("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}

	// Stable header order keeps composed output comparable
	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Set(name, msg.Headers[name])
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}
	if msg.TextBody != "" {
		if err := writePart(tw, "text/plain", msg.TextBody); err != nil {
			return nil, err
		}
	}
	if msg.HTMLBody != "" {
		if err := writePart(tw, "text/html", msg.HTMLBody); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close inline part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}

	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")

	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}
