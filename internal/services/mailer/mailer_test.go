package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func testMessage() *interfaces.EmailMessage {
	return &interfaces.EmailMessage{
		To:             "creator@example.com",
		ToName:         "Creator",
		Subject:        "Your ideas for 2026-W41",
		TextBody:       "1. Follow-up: Sourdough",
		HTMLBody:       "<ol><li>Follow-up: Sourdough</li></ol>",
		UnsubscribeURL: "https://digest.example.com/api/unsubscribe?user_id=u1&token=abc",
		Headers:        map[string]string{"X-Digest-Period": "2026-W41"},
	}
}

// parsed reads a composed message back into its headers and parts
func parsed(t *testing.T, raw []byte) (*mail.Header, map[string]string) {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	parts := make(map[string]string)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, err := h.ContentType()
			require.NoError(t, err)
			body, err := io.ReadAll(p.Body)
			require.NoError(t, err)
			parts[contentType] = string(body)
		}
	}
	return &mr.Header, parts
}

func TestCompose(t *testing.T) {
	raw, err := Compose(&mail.Address{Name: "Idea Digest", Address: "digest@example.com"}, testMessage(), time.Now())
	require.NoError(t, err)

	header, parts := parsed(t, raw)

	subject, err := header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Your ideas for 2026-W41", subject)

	from, err := header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "digest@example.com", from[0].Address)

	assert.Equal(t, "<https://digest.example.com/api/unsubscribe?user_id=u1&token=abc>", header.Get("List-Unsubscribe"))
	assert.Equal(t, "List-Unsubscribe=One-Click", header.Get("List-Unsubscribe-Post"))
	assert.Equal(t, "2026-W41", header.Get("X-Digest-Period"))

	assert.Equal(t, "1. Follow-up: Sourdough", parts["text/plain"])
	assert.Equal(t, "<ol><li>Follow-up: Sourdough</li></ol>", parts["text/html"])
}

func TestCompose_RejectsEmpty(t *testing.T) {
	from := &mail.Address{Address: "digest@example.com"}

	_, err := Compose(from, &interfaces.EmailMessage{Subject: "x", TextBody: "y"}, time.Now())
	assert.Error(t, err)

	_, err = Compose(from, &interfaces.EmailMessage{To: "a@example.com", Subject: "x"}, time.Now())
	assert.Error(t, err)
}

func TestGmailDeliverer_Send(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/gmail/v1/users/me/messages/send", r.URL.Path)

		var msg gmail.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		raw, err := base64.URLEncoding.DecodeString(msg.Raw)
		require.NoError(t, err)
		received = raw

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"m1"}`))
	}))
	defer server.Close()

	srv, err := gmail.NewService(context.Background(), option.WithHTTPClient(server.Client()), option.WithEndpoint(server.URL+"/"))
	require.NoError(t, err)

	deliverer := NewGmailDelivererWithService(srv, &mail.Address{Address: "digest@example.com"}, arbor.NewLogger())
	require.NoError(t, deliverer.Deliver(context.Background(), testMessage()))
	assert.Equal(t, "gmail", deliverer.Name())

	_, parts := parsed(t, received)
	assert.Contains(t, parts["text/plain"], "Sourdough")
}

func TestGmailDeliverer_ErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":503,"message":"backend"}}`))
	}))
	defer server.Close()

	srv, err := gmail.NewService(context.Background(), option.WithHTTPClient(server.Client()), option.WithEndpoint(server.URL+"/"))
	require.NoError(t, err)

	deliverer := NewGmailDelivererWithService(srv, &mail.Address{Address: "digest@example.com"}, arbor.NewLogger())
	assert.Error(t, deliverer.Deliver(context.Background(), testMessage()))
}

func TestSMTPDeliverer_ConnectionFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	require.NoError(t, listener.Close())

	deliverer := NewSMTPDeliverer(Config{
		Host:    "127.0.0.1",
		Port:    addr.Port,
		From:    "digest@example.com",
		Timeout: time.Second,
	}, arbor.NewLogger())

	err = deliverer.Deliver(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connect"))
}

func TestSMTPDeliverer_RequiresHost(t *testing.T) {
	deliverer := NewSMTPDeliverer(Config{From: "digest@example.com"}, arbor.NewLogger())
	assert.Error(t, deliverer.Deliver(context.Background(), testMessage()))
}

func TestNewDeliverer(t *testing.T) {
	logger := arbor.NewLogger()
	ctx := context.Background()

	d, err := NewDeliverer(ctx, common.MailerConfig{Provider: "log"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "log", d.Name())
	assert.NoError(t, d.Deliver(ctx, testMessage()))

	d, err = NewDeliverer(ctx, common.MailerConfig{Provider: "SMTP", Host: "smtp.example.com", Port: 587}, logger)
	require.NoError(t, err)
	assert.Equal(t, "smtp", d.Name())

	_, err = NewDeliverer(ctx, common.MailerConfig{Provider: "gmail"}, logger)
	assert.Error(t, err)

	_, err = NewDeliverer(ctx, common.MailerConfig{Provider: "pigeon"}, logger)
	assert.Error(t, err)
}
