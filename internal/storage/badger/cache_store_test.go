package badger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeClock is a settable clock for expiry tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCacheStore_SetGetDelete(t *testing.T) {
	store := NewCacheStore(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	require.NoError(t, store.Set(ctx, "k", []byte("v1"), 0))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	ttl, err := store.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, ttl)

	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"), "deleting an absent key is not an error")

	exists, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCacheStore_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := NewCacheStore(newTestDB(t), arbor.NewLogger()).WithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("x"), 500*time.Millisecond))

	ttl, err := store.TTL(ctx, "short")
	require.NoError(t, err)
	assert.InDelta(t, float64(500*time.Millisecond), float64(ttl), float64(time.Millisecond))

	clock.Advance(499 * time.Millisecond)
	_, err = store.Get(ctx, "short")
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = store.Get(ctx, "short")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	_, err = store.TTL(ctx, "short")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestCacheStore_SetNX(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := NewCacheStore(newTestDB(t), arbor.NewLogger()).WithClock(clock.Now)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lock", []byte("a"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", []byte("b"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	// An expired value no longer blocks
	clock.Advance(2 * time.Second)
	ok, err = store.SetNX(ctx, "lock", []byte("c"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheStore_SetNXConcurrent(t *testing.T) {
	store := NewCacheStore(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.SetNX(ctx, "contended", []byte("owner"), time.Minute)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestCacheStore_CompareAndDelete(t *testing.T) {
	store := NewCacheStore(newTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "lock", []byte("token-1"), time.Minute))

	deleted, err := store.CompareAndDelete(ctx, "lock", []byte("token-2"))
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = store.CompareAndDelete(ctx, "lock", []byte("token-1"))
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.CompareAndDelete(ctx, "lock", []byte("token-1"))
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCacheStore_CompareAndSwap(t *testing.T) {
	c := &fakeClock{now: time.Now()}
	store := NewCacheStore(newTestDB(t), arbor.NewLogger()).WithClock(c.Now)
	ctx := context.Background()

	swapped, err := store.CompareAndSwap(ctx, "progress", []byte("v1"), []byte("v2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, swapped, "absent key is never swapped")

	require.NoError(t, store.Set(ctx, "progress", []byte("v1"), time.Minute))

	swapped, err = store.CompareAndSwap(ctx, "progress", []byte("stale"), []byte("v2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, "progress", []byte("v1"), []byte("v2"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, swapped)

	value, err := store.Get(ctx, "progress")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	ttl, err := store.TTL(ctx, "progress")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	c.Advance(11 * time.Second)
	swapped, err = store.CompareAndSwap(ctx, "progress", []byte("v2"), []byte("v3"), time.Minute)
	require.NoError(t, err)
	assert.False(t, swapped, "expired value is never swapped")
}

func TestCacheStore_ClosedStoreIsUnavailable(t *testing.T) {
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	store := NewCacheStore(db, arbor.NewLogger())
	require.NoError(t, db.Close())

	_, err = store.Get(context.Background(), "k")
	assert.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, interfaces.ErrKeyNotFound)

	err = store.Set(context.Background(), "k", []byte("v"), 0)
	assert.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
}
