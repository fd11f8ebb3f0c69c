// Package locks provides owner-token locks on top of the cache store.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
)

var (
	// ErrLockHeld is returned when another owner holds an unexpired lock
	ErrLockHeld = errors.New("lock held by another owner")

	// ErrNotOwner is returned when releasing with a token that does not match,
	// including after the lock expired
	ErrNotOwner = errors.New("lock not owned by token")
)

// Locker acquires and releases expiring locks. Only the holder of the
// token returned by Acquire can release; otherwise the lock self-expires.
type Locker struct {
	store  interfaces.CacheStore
	logger arbor.ILogger
}

// NewLocker creates a new Locker
func NewLocker(store interfaces.CacheStore, logger arbor.ILogger) *Locker {
	return &Locker{
		store:  store,
		logger: logger,
	}
}

// Acquire takes the lock for ttl and returns its owner token
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("lock ttl must be positive")
	}

	token := common.NewLockToken()
	ok, err := l.store.SetNX(ctx, key, []byte(token), ttl)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", ErrLockHeld
	}

	l.logger.Debug().Str("lock", key).Dur("ttl", ttl).Msg("Lock acquired")
	return token, nil
}

// Release frees the lock if token still owns it
func (l *Locker) Release(ctx context.Context, key, token string) error {
	deleted, err := l.store.CompareAndDelete(ctx, key, []byte(token))
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if !deleted {
		return ErrNotOwner
	}

	l.logger.Debug().Str("lock", key).Msg("Lock released")
	return nil
}

// ForceRelease frees the lock regardless of owner. Operator use only.
func (l *Locker) ForceRelease(ctx context.Context, key string) error {
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to force release lock %s: %w", key, err)
	}

	l.logger.Warn().Str("lock", key).Msg("Lock force released")
	return nil
}

// Held reports whether any owner currently holds the lock
func (l *Locker) Held(ctx context.Context, key string) (bool, error) {
	return l.store.Exists(ctx, key)
}
