package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key is absent or expired
var ErrKeyNotFound = errors.New("key not found")

// ErrStoreUnavailable is returned when the store could not be reached.
// Callers must not treat it as an absent key.
var ErrStoreUnavailable = errors.New("store unavailable")

// CacheStore is a key/value store with per-key expiry. Every operation is
// atomic for a single key; there are no multi-key transactions.
type CacheStore interface {
	// Set writes value; ttl 0 means no expiry
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns ErrKeyNotFound when the key is absent or expired
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// SetNX writes value only if the key is absent or expired and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap writes value only if the key currently holds expected and reports whether it did
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes the key only if it currently holds expected
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// TTL returns the remaining lifetime; 0 for keys without expiry
	TTL(ctx context.Context, key string) (time.Duration, error)
}
