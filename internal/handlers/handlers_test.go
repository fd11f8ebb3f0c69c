package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/queue"
	"github.com/ternarybob/ideadigest/internal/services/digest"
	"github.com/ternarybob/ideadigest/internal/services/locks"
	"github.com/ternarybob/ideadigest/internal/services/progress"
	"github.com/ternarybob/ideadigest/internal/services/scheduler"
	badgerstore "github.com/ternarybob/ideadigest/internal/storage/badger"
)

type testEnv struct {
	users     interfaces.UserDirectory
	queue     *queue.BadgerManager
	tracker   *progress.Tracker
	signer    *digest.TokenSigner
	digest    *DigestHandler
	sync      *SyncHandler
	unsub     *UnsubscribeHandler
	queueAPI  *QueueHandler
	scheduler *scheduler.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()
	manager, err := badgerstore.NewManager(logger, &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	users := manager.UserDirectory()
	require.NoError(t, users.SaveUser(context.Background(), &models.UserProfile{
		UserID: "u1", Email: "u1@example.com", DigestEnabled: true, IdeaCount: 4,
	}))

	qcfg := queue.NewDefaultConfig()
	qm, err := queue.NewBadgerManager(manager.DB().Badger(), qcfg, logger)
	require.NoError(t, err)
	options := qcfg.DefaultEnqueueOptions()

	store := manager.CacheStore()
	tracker := progress.NewTracker(store, locks.NewLocker(store, logger), progress.Config{
		RunTTL:            time.Minute,
		TerminalRetention: time.Minute,
	}, logger)

	signer, err := digest.NewTokenSigner("secret", 0)
	require.NoError(t, err)
	unsubscribe := digest.NewUnsubscribeService(signer, users, "http://localhost:8080", true, logger)

	sched := scheduler.NewService(users, qm, scheduler.Config{DefaultIdeaCount: 5, Options: options}, logger)

	return &testEnv{
		users:     users,
		queue:     qm,
		tracker:   tracker,
		signer:    signer,
		digest:    NewDigestHandler(qm, users, options, time.UTC, 5, logger),
		sync:      NewSyncHandler(tracker, qm, options, logger),
		unsub:     NewUnsubscribeHandler(unsubscribe, logger),
		queueAPI:  NewQueueHandler(qm, sched, logger),
		scheduler: sched,
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestTriggerHandler(t *testing.T) {
	env := newTestEnv(t)
	env.digest.now = func() time.Time { return time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC) }

	rec := httptest.NewRecorder()
	env.digest.TriggerHandler(rec, httptest.NewRequest(http.MethodPost, "/api/digest/trigger", strings.NewReader(`{"user_id":"u1"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "2026-W42", body["period_key"])
	assert.Equal(t, float64(4), body["idea_count"])
	assert.Equal(t, false, body["duplicate"])

	delivery, err := env.queue.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobKindManualTrigger, delivery.Message.Envelope.Kind)
	assert.True(t, delivery.Message.Envelope.Digest.ForceSend)
	assert.Equal(t, "manual:u1:2026-W42", delivery.Message.JobKey)
}

func TestTriggerHandler_DuplicateWhilePending(t *testing.T) {
	env := newTestEnv(t)
	for i, want := range []bool{false, true} {
		rec := httptest.NewRecorder()
		env.digest.TriggerHandler(rec, httptest.NewRequest(http.MethodPost, "/api/digest/trigger",
			strings.NewReader(`{"user_id":"u1","idea_count":2}`)))
		require.Equal(t, http.StatusAccepted, rec.Code, "request %d", i)
		assert.Equal(t, want, decode(t, rec)["duplicate"])
	}

	stats, err := env.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
}

func TestTriggerHandler_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, want: http.StatusMethodNotAllowed},
		{name: "missing user", method: http.MethodPost, body: `{}`, want: http.StatusBadRequest},
		{name: "bad json", method: http.MethodPost, body: `{"user_id":`, want: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, body: `{"user_id":"u1","force":false}`, want: http.StatusBadRequest},
		{name: "idea count too large", method: http.MethodPost, body: `{"user_id":"u1","idea_count":500}`, want: http.StatusBadRequest},
		{name: "bad period", method: http.MethodPost, body: `{"user_id":"u1","period_key":"last week"}`, want: http.StatusBadRequest},
		{name: "unknown user", method: http.MethodPost, body: `{"user_id":"ghost"}`, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := httptest.NewRecorder()
			env.digest.TriggerHandler(rec, httptest.NewRequest(tt.method, "/api/digest/trigger", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestProgressHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	env.sync.ProgressHandler(rec, httptest.NewRequest(http.MethodGet, "/api/sync/progress?user_id=u1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"status": "idle"}, decode(t, rec))

	run, err := env.tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, env.tracker.Advance(ctx, run, models.StageFetchingVideos, 40))

	rec = httptest.NewRecorder()
	env.sync.ProgressHandler(rec, httptest.NewRequest(http.MethodGet, "/api/sync/progress?user_id=u1", nil))
	body := decode(t, rec)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "fetchingVideos", body["stage"])
	assert.Equal(t, float64(40), body["progress_percent"])
	assert.NotEmpty(t, body["updated_at"])

	rec = httptest.NewRecorder()
	env.sync.ProgressHandler(rec, httptest.NewRequest(http.MethodGet, "/api/sync/progress", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetHandler_Inline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.tracker.BeginRun(ctx, "u1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	env.sync.ResetHandler(rec, httptest.NewRequest(http.MethodPost, "/api/sync/reset", strings.NewReader(`{"user_id":"u1"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])

	// The lock went with the reset, so a new run can start
	_, err = env.tracker.BeginRun(ctx, "u1")
	assert.NoError(t, err)
}

func TestResetHandler_Queued(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.sync.ResetHandler(rec, httptest.NewRequest(http.MethodPost, "/api/sync/reset", strings.NewReader(`{"user_id":"u1","queued":true}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	delivery, err := env.queue.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobKindReset, delivery.Message.Envelope.Kind)
	assert.Equal(t, "operator reset", delivery.Message.Envelope.Reset.Reason)
}

func TestUnsubscribeHandler_Link(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.signer.Sign("u1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	target := "/api/unsubscribe?user_id=u1&token=" + url.QueryEscape(token)
	env.unsub.UnsubscribeHandler(rec, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "You have been unsubscribed")

	user, err := env.users.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, user.Unsubscribed)
}

func TestUnsubscribeHandler_OneClickPost(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.signer.Sign("u1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/unsubscribe?user_id=u1&token="+url.QueryEscape(token),
		strings.NewReader("List-Unsubscribe=One-Click"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	env.unsub.UnsubscribeHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unsubscribed", decode(t, rec)["status"])
}

func TestUnsubscribeHandler_Rejects(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{
		"/api/unsubscribe",
		"/api/unsubscribe?user_id=u1",
		"/api/unsubscribe?token=forged",
	} {
		rec := httptest.NewRecorder()
		env.unsub.UnsubscribeHandler(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	user, err := env.users.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, user.Unsubscribed)

	// Legacy bare ids are accepted by this configuration
	rec := httptest.NewRecorder()
	env.unsub.UnsubscribeHandler(rec, httptest.NewRequest(http.MethodGet, "/api/unsubscribe?uid=u1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueueHandler(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.queueAPI.SchedulerRunHandler(rec, httptest.NewRequest(http.MethodPost, "/api/scheduler/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["enqueued"])

	rec = httptest.NewRecorder()
	env.queueAPI.StatsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["waiting"])

	rec = httptest.NewRecorder()
	env.queueAPI.SchedulerStatusHandler(rec, httptest.NewRequest(http.MethodGet, "/api/scheduler/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, false, status["running"])
	assert.NotNil(t, status["last_run"])
}

func TestAPIHandler(t *testing.T) {
	h := NewAPIHandler(arbor.NewLogger())

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = httptest.NewRecorder()
	h.VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	assert.Equal(t, common.Version, decode(t, rec)["version"])

	rec = httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodPost, "/api/health", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))
}
