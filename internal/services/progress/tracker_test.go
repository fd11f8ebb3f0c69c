package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/services/locks"
	badgerstore "github.com/ternarybob/ideadigest/internal/storage/badger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T) (*Tracker, *clock) {
	t.Helper()
	db, err := badgerstore.NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := &clock{now: time.Now()}
	logger := arbor.NewLogger()
	store := badgerstore.NewCacheStore(db, logger).WithClock(c.Now)
	tracker := NewTracker(store, locks.NewLocker(store, logger), Config{
		RunTTL:            10 * time.Minute,
		TerminalRetention: time.Minute,
	}, logger).WithClock(c.Now)
	return tracker, c
}

func TestTracker_ReadIdleWhenUnknown(t *testing.T) {
	tracker, _ := newTestTracker(t)

	job, err := tracker.Read(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, job.Status)
}

func TestTracker_BeginRunTwiceYieldsOneRunning(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = tracker.BeginRun(ctx, "u1")
		}(i)
	}
	wg.Wait()

	var ok, running int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRunning):
			running++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, running)

	job, err := tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusRunning, job.Status)
	assert.Equal(t, models.StageInitial, job.Stage)
	assert.Equal(t, 0, job.ProgressPercent)
}

func TestTracker_ProgressNeverDecreases(t *testing.T) {
	tracker, c := newTestTracker(t)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)

	steps := []struct {
		stage   models.SyncStage
		percent int
	}{
		{models.StageFetchingChannel, 10},
		{models.StageFetchingVideos, 40},
		{models.StageFetchingChannel, 20}, // regression, ignored
		{models.StageFetchingComments, 70},
		{models.StageFetchingVideos, 40}, // regression, ignored
		{models.StageComputingMetrics, 90},
	}

	last := -1
	for _, step := range steps {
		c.Advance(time.Second)
		require.NoError(t, tracker.Advance(ctx, run, step.stage, step.percent))

		job, err := tracker.Read(ctx, "u1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, job.ProgressPercent, last)
		last = job.ProgressPercent
	}

	job, err := tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StageComputingMetrics, job.Stage)
	assert.Equal(t, 90, job.ProgressPercent)

	require.NoError(t, tracker.Complete(ctx, run))
	job, err = tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, job.Status)
	assert.Equal(t, 100, job.ProgressPercent)
}

func TestTracker_CrashedRunExpires(t *testing.T) {
	tracker, c := newTestTracker(t)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, tracker.Advance(ctx, run, models.StageFetchingVideos, 40))

	// Worker dies here: no Complete, no Fail
	c.Advance(9 * time.Minute)
	job, err := tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusRunning, job.Status)

	c.Advance(time.Minute)
	job, err = tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, job.Status)

	// And the lock expired with it
	_, err = tracker.BeginRun(ctx, "u1")
	assert.NoError(t, err)
}

func TestTracker_AdvanceDoesNotExtendDeadline(t *testing.T) {
	tracker, c := newTestTracker(t)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)

	c.Advance(9 * time.Minute)
	require.NoError(t, tracker.Advance(ctx, run, models.StageFetchingComments, 70))

	c.Advance(time.Minute)
	job, err := tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, job.Status)

	assert.ErrorIs(t, tracker.Advance(ctx, run, models.StageComputingMetrics, 90), ErrRunSuperseded)
}

func TestTracker_FailRecordsCodeAndRetains(t *testing.T) {
	tracker, c := newTestTracker(t)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, tracker.Advance(ctx, run, models.StageFetchingComments, 70))
	require.NoError(t, tracker.Fail(ctx, run, models.ErrorCodeRateLimited, errors.New("quota exceeded")))

	job, err := tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, job.Status)
	assert.Equal(t, models.ErrorCodeRateLimited, job.ErrorCode)
	assert.Equal(t, models.StageFetchingComments, job.Stage)
	assert.Equal(t, 70, job.ProgressPercent)

	// Lock released: a new run can begin right away
	next, err := tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, tracker.Complete(ctx, next))

	// Terminal record expires after retention
	c.Advance(time.Minute)
	job, err = tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, job.Status)
}

func TestTracker_ResetForcesCompleted(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, tracker.Advance(ctx, run, models.StageFetchingVideos, 40))

	job, err := tracker.Reset(ctx, "u1", "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, job.Status)

	read, err := tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, read.Status)

	// The old worker is told to stop
	assert.ErrorIs(t, tracker.Advance(ctx, run, models.StageFetchingComments, 70), ErrRunSuperseded)
	assert.ErrorIs(t, tracker.Complete(ctx, run), ErrRunSuperseded)

	// And the lock is free
	_, err = tracker.BeginRun(ctx, "u1")
	assert.NoError(t, err)
}

func TestTracker_ResetUnknownUser(t *testing.T) {
	tracker, _ := newTestTracker(t)

	job, err := tracker.Reset(context.Background(), "u9", "")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, job.Status)
}

// hookStore runs afterGet once, right after the next read of a progress record
type hookStore struct {
	interfaces.CacheStore
	mu       sync.Mutex
	afterGet func()
}

func (h *hookStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := h.CacheStore.Get(ctx, key)

	h.mu.Lock()
	hook := h.afterGet
	if key == ProgressKey("u1") {
		h.afterGet = nil
	} else {
		hook = nil
	}
	h.mu.Unlock()

	if hook != nil {
		hook()
	}
	return data, err
}

func (h *hookStore) onNextGet(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.afterGet = fn
}

func newHookedTracker(t *testing.T) (*Tracker, *hookStore) {
	t.Helper()
	db, err := badgerstore.NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := arbor.NewLogger()
	store := badgerstore.NewCacheStore(db, logger)
	hooked := &hookStore{CacheStore: store}
	tracker := NewTracker(hooked, locks.NewLocker(store, logger), Config{
		RunTTL:            10 * time.Minute,
		TerminalRetention: time.Minute,
	}, logger)
	return tracker, hooked
}

func TestTracker_ResetDuringAdvanceWins(t *testing.T) {
	tracker, hooked := newHookedTracker(t)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)

	hooked.onNextGet(func() {
		_, err := tracker.Reset(ctx, "u1", "stuck")
		require.NoError(t, err)
	})
	assert.ErrorIs(t, tracker.Advance(ctx, run, models.StageFetchingVideos, 40), ErrRunSuperseded)

	job, err := tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, job.Status)
	assert.Equal(t, "reset: stuck", job.Error)

	next, err := tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)
	job, err = tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, next.RunID, job.RunID)
}

func TestTracker_ResetDuringFinishWins(t *testing.T) {
	tracker, hooked := newHookedTracker(t)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)

	hooked.onNextGet(func() {
		_, err := tracker.Reset(ctx, "u1", "operator")
		require.NoError(t, err)
	})
	assert.ErrorIs(t, tracker.Fail(ctx, run, models.ErrorCodeTransient, errors.New("timeout")), ErrRunSuperseded)

	job, err := tracker.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorCode)
}
