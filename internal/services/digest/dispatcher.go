// Package digest gates digest emails behind per-period delivery markers and
// handles unsubscribe links.
package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/services/locks"
)

// Outcome is the result of a dispatch that did not fail
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeAlreadySent Outcome = "already_sent"
	OutcomeSuppressed  Outcome = "suppressed"
)

var (
	// ErrDispatchInFlight means another worker is dispatching the same user and period
	ErrDispatchInFlight = errors.New("digest dispatch already in flight")

	// ErrDeliveryFailed wraps errors from the deliver capability. No marker is written.
	ErrDeliveryFailed = errors.New("digest delivery failed")

	// ErrNoRecipient means the user has no email address
	ErrNoRecipient = errors.New("user has no email address")
)

// Config holds marker TTLs
type Config struct {
	MarkerTTL   time.Duration // Slightly longer than one period
	InFlightTTL time.Duration // Upper bound on one render + deliver
}

// NewConfig builds dispatcher config from the [digest] section
func NewConfig(cfg common.DigestConfig) Config {
	return Config{
		MarkerTTL:   common.ParseDuration(cfg.MarkerTTL, 8*24*time.Hour),
		InFlightTTL: common.ParseDuration(cfg.InFlightTTL, 2*time.Minute),
	}
}

// Request is one dispatch of a batch
type Request struct {
	UserID    string
	PeriodKey string
	Batch     *models.IdeaBatch
	Force     bool // Resend even if already sent, and even to unsubscribed users
}

// Marker is the stored proof of a sent digest
type Marker struct {
	SentAt    time.Time `json:"sent_at"`
	Forced    bool      `json:"forced"`
	Deliverer string    `json:"deliverer"`
	Ideas     int       `json:"ideas"`
}

// Dispatcher delivers a digest at most once per user and period
type Dispatcher struct {
	store       interfaces.CacheStore
	locker      *locks.Locker
	users       interfaces.UserDirectory
	platform    interfaces.PlatformStorage
	deliverer   interfaces.Deliverer
	renderer    *Renderer
	unsubscribe *UnsubscribeService
	config      Config
	logger      arbor.ILogger
	now         func() time.Time
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	store interfaces.CacheStore,
	users interfaces.UserDirectory,
	platform interfaces.PlatformStorage,
	deliverer interfaces.Deliverer,
	renderer *Renderer,
	unsubscribe *UnsubscribeService,
	config Config,
	logger arbor.ILogger,
) *Dispatcher {
	return &Dispatcher{
		store:       store,
		locker:      locks.NewLocker(store, logger),
		users:       users,
		platform:    platform,
		deliverer:   deliverer,
		renderer:    renderer,
		unsubscribe: unsubscribe,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock replaces the clock used for marker timestamps
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// MarkerKey is the cache key of the delivery marker
func MarkerKey(userID, periodKey string) string {
	return "digest:sent:" + userID + ":" + periodKey
}

// InFlightKey is the cache key of the dispatch guard
func InFlightKey(userID, periodKey string) string {
	return "digest:inflight:" + userID + ":" + periodKey
}

// Sent reports whether the period's digest was already delivered
func (d *Dispatcher) Sent(ctx context.Context, userID, periodKey string) (bool, error) {
	return d.store.Exists(ctx, MarkerKey(userID, periodKey))
}

// GetMarker returns the delivery marker, or ErrKeyNotFound
func (d *Dispatcher) GetMarker(ctx context.Context, userID, periodKey string) (*Marker, error) {
	data, err := d.store.Get(ctx, MarkerKey(userID, periodKey))
	if err != nil {
		return nil, err
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("failed to decode delivery marker: %w", err)
	}
	return &marker, nil
}

// Dispatch delivers req.Batch unless the period was already sent or the
// user unsubscribed. Force skips both checks and overwrites the marker.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	if req.UserID == "" || req.PeriodKey == "" || req.Batch == nil {
		return "", fmt.Errorf("dispatch requires user, period and batch")
	}

	logger := d.logger.WithCorrelationId(req.UserID + ":" + req.PeriodKey)

	guardKey := InFlightKey(req.UserID, req.PeriodKey)
	token, err := d.locker.Acquire(ctx, guardKey, d.config.InFlightTTL)
	if errors.Is(err, locks.ErrLockHeld) {
		logger.Info().Str("user_id", req.UserID).Str("period", req.PeriodKey).Msg("Dispatch already in flight")
		return "", ErrDispatchInFlight
	}
	if err != nil {
		return "", err
	}
	defer func() {
		if err := d.locker.Release(context.WithoutCancel(ctx), guardKey, token); err != nil {
			logger.Debug().Err(err).Str("key", guardKey).Msg("Dispatch guard not released")
		}
	}()

	if !req.Force {
		sent, err := d.Sent(ctx, req.UserID, req.PeriodKey)
		if err != nil {
			return "", err
		}
		if sent {
			logger.Info().Str("user_id", req.UserID).Str("period", req.PeriodKey).Msg("Digest already sent for period")
			return OutcomeAlreadySent, nil
		}
	}

	user, err := d.users.GetUser(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to load user %s: %w", req.UserID, err)
	}

	if user.Unsubscribed && !req.Force {
		logger.Info().Str("user_id", req.UserID).Str("period", req.PeriodKey).Msg("User unsubscribed, digest suppressed")
		return OutcomeSuppressed, nil
	}
	if user.Email == "" {
		return "", ErrNoRecipient
	}

	msg, err := d.compose(ctx, user, req)
	if err != nil {
		return "", err
	}

	if err := d.deliverer.Deliver(ctx, msg); err != nil {
		logger.Warn().Err(err).Str("user_id", req.UserID).Str("deliverer", d.deliverer.Name()).Msg("Digest delivery failed")
		return "", fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	marker, err := json.Marshal(Marker{
		SentAt:    d.now(),
		Forced:    req.Force,
		Deliverer: d.deliverer.Name(),
		Ideas:     req.Batch.Count,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode delivery marker: %w", err)
	}
	// The email is out; a failed marker write is logged, not retried
	if err := d.store.Set(context.WithoutCancel(ctx), MarkerKey(req.UserID, req.PeriodKey), marker, d.config.MarkerTTL); err != nil {
		logger.Error().Err(err).Str("user_id", req.UserID).Str("period", req.PeriodKey).Msg("Digest sent but delivery marker not written")
	}

	logger.Info().
		Str("user_id", req.UserID).
		Str("period", req.PeriodKey).
		Int("ideas", req.Batch.Count).
		Bool("forced", req.Force).
		Str("deliverer", d.deliverer.Name()).
		Msg("Digest sent")
	return OutcomeSent, nil
}

func (d *Dispatcher) compose(ctx context.Context, user *models.UserProfile, req Request) (*interfaces.EmailMessage, error) {
	unsubscribeURL, err := d.unsubscribe.URL(user.UserID)
	if err != nil {
		return nil, err
	}

	view := View{
		Name:           user.DisplayName,
		PeriodKey:      req.PeriodKey,
		Ideas:          req.Batch.Ideas,
		UnsubscribeURL: unsubscribeURL,
	}
	if view.Name == "" {
		view.Name = "there"
	}
	if channel, err := d.platform.GetChannel(ctx, user.UserID); err == nil {
		view.ChannelTitle = channel.Title
	}

	subject, text, html, err := d.renderer.Render(view)
	if err != nil {
		return nil, err
	}

	return &interfaces.EmailMessage{
		To:             user.Email,
		ToName:         user.DisplayName,
		Subject:        subject,
		TextBody:       text,
		HTMLBody:       html,
		UnsubscribeURL: unsubscribeURL,
		Headers: map[string]string{
			"X-Digest-Period": req.PeriodKey,
		},
	}, nil
}
