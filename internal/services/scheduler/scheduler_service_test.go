package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/queue"
	badgerstore "github.com/ternarybob/ideadigest/internal/storage/badger"
)

type testEnv struct {
	users   interfaces.UserDirectory
	queue   *queue.BadgerManager
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()
	manager, err := badgerstore.NewManager(logger, &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	ctx := context.Background()
	users := manager.UserDirectory()
	profiles := []*models.UserProfile{
		{UserID: "u1", Email: "u1@example.com", DigestEnabled: true, IdeaCount: 3},
		{UserID: "u2", Email: "u2@example.com", DigestEnabled: true, Unsubscribed: true},
		{UserID: "u3", Email: "u3@example.com", DigestEnabled: false},
	}
	for _, p := range profiles {
		require.NoError(t, users.SaveUser(ctx, p))
	}

	qcfg := queue.NewDefaultConfig()
	qcfg.RemoveOnComplete = false
	qm, err := queue.NewBadgerManager(manager.DB().Badger(), qcfg, logger)
	require.NoError(t, err)

	svc := NewService(users, qm, Config{
		Schedule:         DefaultSchedule,
		Location:         time.UTC,
		DefaultIdeaCount: 5,
		Options:          qcfg.DefaultEnqueueOptions(),
	}, logger)

	return &testEnv{users: users, queue: qm, service: svc}
}

func TestRunOnce_EnqueuesEligibleUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)

	summary, err := env.service.RunOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "2026-W42", summary.PeriodKey)
	assert.Equal(t, 2, summary.Users)
	assert.Equal(t, 2, summary.Enqueued)

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Waiting)
}

func TestRunOnce_TwiceInSamePeriodIsOneJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)

	_, err := env.service.RunOnce(ctx, now)
	require.NoError(t, err)

	summary, err := env.service.RunOnce(ctx, now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Enqueued)
	assert.Equal(t, 2, summary.Duplicates)

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Waiting)
}

func TestRunOnce_PayloadUsesProfileIdeaCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.RunOnce(ctx, time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 2; i++ {
		delivery, err := env.queue.Receive(ctx)
		require.NoError(t, err)
		payload := delivery.Message.Envelope.Digest
		require.NotNil(t, payload)
		assert.Equal(t, models.JobKindDigest, delivery.Message.Envelope.Kind)
		assert.False(t, payload.ForceSend)
		assert.Equal(t, "2026-W42", payload.PeriodKey)
		counts[payload.UserID] = payload.IdeaCount
	}
	assert.Equal(t, map[string]int{"u1": 3, "u2": 5}, counts)
}

func TestRunOnce_PeriodFollowsTimezone(t *testing.T) {
	env := newTestEnv(t)
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	env.service.config.Location = loc

	// Sunday 20:00 UTC is already Monday in Sydney
	summary, err := env.service.RunOnce(context.Background(), time.Date(2026, 10, 11, 20, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2026-W42", summary.PeriodKey)
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(ctx context.Context, jobKey string, envelope models.JobEnvelope, opts queue.EnqueueOptions) (string, bool, error) {
	return "", false, errors.New("store down")
}

func TestRunOnce_EnqueueFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	svc := NewService(env.users, failingEnqueuer{}, Config{DefaultIdeaCount: 5}, arbor.NewLogger())

	summary, err := svc.RunOnce(context.Background(), time.Now())
	require.Error(t, err)
	assert.Equal(t, 2, summary.Failed)
	assert.Contains(t, svc.Status().LastError, "store down")
}

func TestService_StartStop(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.service.Start())
	assert.True(t, env.service.IsRunning())
	assert.Error(t, env.service.Start())

	status := env.service.Status()
	assert.Equal(t, DefaultSchedule, status.Schedule)
	require.NotNil(t, status.NextRun)
	assert.Equal(t, time.Monday, status.NextRun.Weekday())

	require.NoError(t, env.service.Stop())
	assert.False(t, env.service.IsRunning())
	require.NoError(t, env.service.Stop())
}

func TestService_StartRejectsInvalidSchedule(t *testing.T) {
	env := newTestEnv(t)
	svc := NewService(env.users, env.queue, Config{Schedule: "every monday"}, arbor.NewLogger())
	assert.Error(t, svc.Start())
	assert.False(t, svc.IsRunning())
}
