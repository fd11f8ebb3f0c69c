package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/interfaces"
)

const (
	cachePrefix = "cache:"

	// Attempts for read-modify-write operations that lose an SSI conflict
	casAttempts = 5

	envelopeHeader = 8
)

// CacheStore implements interfaces.CacheStore on raw Badger keys.
//
// Each value is prefixed with an 8-byte big-endian expiry in unix nanoseconds
// (0 = never). Reads compare it with the clock, giving exact sub-second TTLs,
// while Badger's own entry TTL (whole seconds, rounded up) reclaims the key.
type CacheStore struct {
	db     *BadgerDB
	logger arbor.ILogger
	now    func() time.Time
}

// NewCacheStore creates a new CacheStore instance
func NewCacheStore(db *BadgerDB, logger arbor.ILogger) *CacheStore {
	return &CacheStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the clock used for expiry checks
func (s *CacheStore) WithClock(now func() time.Time) *CacheStore {
	s.now = now
	return s
}

func cacheKey(key string) []byte {
	return []byte(cachePrefix + key)
}

func (s *CacheStore) newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixNano()
	}

	raw := make([]byte, envelopeHeader+len(value))
	binary.BigEndian.PutUint64(raw[:envelopeHeader], uint64(expiresAt))
	copy(raw[envelopeHeader:], value)

	entry := badger.NewEntry(cacheKey(key), raw)
	if ttl > 0 {
		entry = entry.WithTTL(ttl + time.Second)
	}
	return entry
}

// read returns the live value and its expiry, or interfaces.ErrKeyNotFound
func (s *CacheStore) read(txn *badger.Txn, key string) ([]byte, int64, error) {
	item, err := txn.Get(cacheKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, 0, err
	}
	if len(raw) < envelopeHeader {
		return nil, 0, fmt.Errorf("corrupt cache entry %s", key)
	}

	expiresAt := int64(binary.BigEndian.Uint64(raw[:envelopeHeader]))
	if expiresAt != 0 && s.now().UnixNano() >= expiresAt {
		return nil, 0, interfaces.ErrKeyNotFound
	}
	return raw[envelopeHeader:], expiresAt, nil
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", interfaces.ErrStoreUnavailable, op, key, err)
}

// Set writes value with an optional ttl
func (s *CacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Badger().Update(func(txn *badger.Txn) error {
		return txn.SetEntry(s.newEntry(key, value, ttl))
	})
	if err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// Get returns the value or interfaces.ErrKeyNotFound
func (s *CacheStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.Badger().View(func(txn *badger.Txn) error {
		v, _, err := s.read(txn, key)
		value = v
		return err
	})
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, unavailable("get", key, err)
	}
	return value, nil
}

// Delete removes the key
func (s *CacheStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Badger().Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(key))
	})
	if err != nil {
		return unavailable("delete", key, err)
	}
	return nil
}

// Exists reports whether a live value is stored under key
func (s *CacheStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetNX writes value only if no live value exists
func (s *CacheStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var written bool
	err := s.update(ctx, "setnx", key, func(txn *badger.Txn) error {
		written = false
		_, _, err := s.read(txn, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(s.newEntry(key, value, ttl)); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

// CompareAndSwap replaces the value only when key holds expected
func (s *CacheStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	var swapped bool
	err := s.update(ctx, "compare-and-swap", key, func(txn *badger.Txn) error {
		swapped = false
		current, _, err := s.read(txn, key)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(current, expected) {
			return nil
		}
		if err := txn.SetEntry(s.newEntry(key, value, ttl)); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// CompareAndDelete deletes key only when it holds expected
func (s *CacheStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	var deleted bool
	err := s.update(ctx, "compare-and-delete", key, func(txn *badger.Txn) error {
		deleted = false
		current, _, err := s.read(txn, key)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(current, expected) {
			return nil
		}
		if err := txn.Delete(cacheKey(key)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// TTL returns the remaining lifetime of key
func (s *CacheStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var expiresAt int64
	err := s.db.Badger().View(func(txn *badger.Txn) error {
		_, exp, err := s.read(txn, key)
		expiresAt = exp
		return err
	})
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return 0, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return 0, unavailable("ttl", key, err)
	}
	if expiresAt == 0 {
		return 0, nil
	}
	return time.Duration(expiresAt - s.now().UnixNano()), nil
}

// update runs fn in a read-write transaction, retrying when another writer
// commits the same key first. A key that stays contended is reported as
// unavailable rather than guessed at.
func (s *CacheStore) update(ctx context.Context, op, key string, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 1; attempt <= casAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Badger().Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return unavailable(op, key, err)
		}
		s.logger.Debug().Str("key", key).Int("attempt", attempt).Msg("Cache transaction conflict, retrying")
	}
	return unavailable(op, key, err)
}
