// Package progress tracks sync runs in the cache store. Records carry a TTL
// so a crashed worker can never leave a user permanently running.
package progress

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

var (
	// ErrAlreadyRunning is returned by BeginRun while another run holds the user's lock
	ErrAlreadyRunning = errors.New("sync already running")

	// ErrRunSuperseded is returned when the stored record no longer belongs to the run,
	// because it expired, was reset, or a newer run replaced it
	ErrRunSuperseded = errors.New("sync run superseded")
)

// Config holds tracker TTLs
type Config struct {
	RunTTL            time.Duration // Safety net for a running record and its lock
	TerminalRetention time.Duration // How long a finished record stays readable
}

// NewConfig builds tracker config from the [sync] section
func NewConfig(cfg common.SyncConfig) Config {
	return Config{
		RunTTL:            common.ParseDuration(cfg.RunTTL, 30*time.Minute),
		TerminalRetention: common.ParseDuration(cfg.TerminalRetention, 10*time.Minute),
	}
}

// Run identifies one sync run for a user
type Run struct {
	UserID    string
	RunID     string
	StartedAt time.Time
	Deadline  time.Time
	lockToken string
}

// Tracker implements the sync progress contract
type Tracker struct {
	store  interfaces.CacheStore
	locker *locks.Locker
	config Config
	logger arbor.ILogger
	now    func() time.Time
}

// NewTracker creates a new Tracker
func NewTracker(store interfaces.CacheStore, locker *locks.Locker, config Config, logger arbor.ILogger) *Tracker {
	return &Tracker{
		store:  store,
		locker: locker,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the clock used for timestamps and deadlines
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// LockKey is the cache key of the user's sync lock
func LockKey(userID string) string {
	return "sync:lock:" + userID
}

// ProgressKey is the cache key of the user's progress record
func ProgressKey(userID string) string {
	return "sync:progress:" + userID
}

// BeginRun takes the user's sync lock and writes a running record
func (t *Tracker) BeginRun(ctx context.Context, userID string) (*Run, error) {
	token, err := t.locker.Acquire(ctx, LockKey(userID), t.config.RunTTL)
	if errors.Is(err, locks.ErrLockHeld) {
		t.logger.Info().Str("user_id", userID).Msg("Sync already running, begin rejected")
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, err
	}

	now := t.now()
	run := &Run{
		UserID:    userID,
		RunID:     common.NewRunID(),
		StartedAt: now,
		Deadline:  now.Add(t.config.RunTTL),
		lockToken: token,
	}

	job := &models.SyncJob{
		UserID:          userID,
		RunID:           run.RunID,
		Status:          models.SyncStatusRunning,
		Stage:           models.StageInitial,
		ProgressPercent: 0,
		StartedAt:       now,
		UpdatedAt:       now,
		Deadline:        run.Deadline,
	}
	if err := t.write(ctx, job, t.config.RunTTL); err != nil {
		if relErr := t.locker.Release(ctx, LockKey(userID), token); relErr != nil {
			t.logger.Warn().Err(relErr).Str("user_id", userID).Msg("Failed to release sync lock after begin failure")
		}
		return nil, err
	}

	t.logger.Info().Str("user_id", userID).Str("run_id", run.RunID).Dur("ttl", t.config.RunTTL).Msg("Sync run started")
	return run, nil
}

// Advance records the run entering stage at percent. A lower percent than
// stored is logged and ignored. The record keeps the run's original deadline.
func (t *Tracker) Advance(ctx context.Context, run *Run, stage models.SyncStage, percent int) error {
	current, stored, err := t.owned(ctx, run)
	if err != nil {
		return err
	}

	if percent < current.ProgressPercent {
		t.logger.Warn().
			Str("user_id", run.UserID).
			Str("stage", string(stage)).
			Int("percent", percent).
			Int("stored_percent", current.ProgressPercent).
			Msg("Rejected progress regression")
		return nil
	}

	remaining := run.Deadline.Sub(t.now())
	if remaining <= 0 {
		return ErrRunSuperseded
	}

	current.Stage = stage
	current.ProgressPercent = percent
	current.UpdatedAt = t.now()
	if err := t.swap(ctx, stored, current, remaining); err != nil {
		return err
	}

	t.logger.Debug().Str("user_id", run.UserID).Str("stage", string(stage)).Int("percent", percent).Msg("Sync progress")
	return nil
}

// Complete marks the run completed and releases the lock
func (t *Tracker) Complete(ctx context.Context, run *Run) error {
	return t.finish(ctx, run, func(job *models.SyncJob) {
		job.Status = models.SyncStatusCompleted
		job.Stage = models.StageDone
		job.ProgressPercent = models.StageDone.Percent()
	})
}

// Fail marks the run failed with code and releases the lock
func (t *Tracker) Fail(ctx context.Context, run *Run, code models.ErrorCode, cause error) error {
	return t.finish(ctx, run, func(job *models.SyncJob) {
		job.Status = models.SyncStatusFailed
		job.ErrorCode = code
		if cause != nil {
			job.Error = cause.Error()
		}
	})
}

// Read returns the user's record, or an idle record when none exists
func (t *Tracker) Read(ctx context.Context, userID string) (*models.SyncJob, error) {
	job, err := t.load(ctx, userID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return models.IdleSyncJob(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Reset forces the record to completed and frees the lock, whatever the
// run's actual state. A worker still running sees ErrRunSuperseded and stops.
func (t *Tracker) Reset(ctx context.Context, userID, reason string) (*models.SyncJob, error) {
	job, err := t.load(ctx, userID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		job = &models.SyncJob{UserID: userID, Stage: models.StageInitial}
	} else if err != nil {
		return nil, err
	}

	now := t.now()
	job.Status = models.SyncStatusCompleted
	job.UpdatedAt = now
	job.Deadline = time.Time{}
	job.ErrorCode = ""
	job.Error = ""
	if reason != "" {
		job.Error = "reset: " + reason
	}

	if err := t.write(ctx, job, t.config.TerminalRetention); err != nil {
		return nil, err
	}
	if err := t.locker.ForceRelease(ctx, LockKey(userID)); err != nil {
		return nil, err
	}

	t.logger.Warn().Str("user_id", userID).Str("reason", reason).Msg("Sync progress reset by operator")
	return job, nil
}

func (t *Tracker) finish(ctx context.Context, run *Run, apply func(job *models.SyncJob)) error {
	current, stored, err := t.owned(ctx, run)
	if errors.Is(err, ErrRunSuperseded) {
		t.releaseLock(ctx, run)
		return err
	}
	if err != nil {
		return err
	}

	apply(current)
	current.UpdatedAt = t.now()
	current.Deadline = time.Time{}

	err = t.swap(ctx, stored, current, t.config.TerminalRetention)
	if errors.Is(err, ErrRunSuperseded) {
		t.releaseLock(ctx, run)
		return err
	}
	if err != nil {
		return err
	}
	t.releaseLock(ctx, run)

	t.logger.Info().
		Str("user_id", run.UserID).
		Str("run_id", run.RunID).
		Str("status", string(current.Status)).
		Str("error_code", string(current.ErrorCode)).
		Dur("duration", current.UpdatedAt.Sub(run.StartedAt)).
		Msg("Sync run finished")
	return nil
}

func (t *Tracker) releaseLock(ctx context.Context, run *Run) {
	if err := t.locker.Release(ctx, LockKey(run.UserID), run.lockToken); err != nil {
		// Expired or force released; nothing to give back
		t.logger.Debug().Err(err).Str("user_id", run.UserID).Msg("Sync lock not released")
	}
}

// owned loads the record and checks it still belongs to the running run.
// The stored bytes are returned for the conditional write that follows.
func (t *Tracker) owned(ctx context.Context, run *Run) (*models.SyncJob, []byte, error) {
	current, stored, err := t.loadRaw(ctx, run.UserID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, nil, ErrRunSuperseded
	}
	if err != nil {
		return nil, nil, err
	}
	if current.RunID != run.RunID || current.IsTerminal() {
		return nil, nil, ErrRunSuperseded
	}
	return current, stored, nil
}

func (t *Tracker) load(ctx context.Context, userID string) (*models.SyncJob, error) {
	job, _, err := t.loadRaw(ctx, userID)
	return job, err
}

func (t *Tracker) loadRaw(ctx context.Context, userID string) (*models.SyncJob, []byte, error) {
	data, err := t.store.Get(ctx, ProgressKey(userID))
	if err != nil {
		return nil, nil, err
	}
	var job models.SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, nil, fmt.Errorf("failed to decode sync progress for %s: %w", userID, err)
	}
	return &job, data, nil
}

// swap writes job only if the record still holds stored. A reset or newer
// run that wrote in between wins and the caller sees ErrRunSuperseded.
func (t *Tracker) swap(ctx context.Context, stored []byte, job *models.SyncJob, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode sync progress: %w", err)
	}
	swapped, err := t.store.CompareAndSwap(ctx, ProgressKey(job.UserID), stored, data, ttl)
	if err != nil {
		return fmt.Errorf("failed to write sync progress for %s: %w", job.UserID, err)
	}
	if !swapped {
		return ErrRunSuperseded
	}
	return nil
}

func (t *Tracker) write(ctx context.Context, job *models.SyncJob, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode sync progress: %w", err)
	}
	if err := t.store.Set(ctx, ProgressKey(job.UserID), data, ttl); err != nil {
		return fmt.Errorf("failed to write sync progress for %s: %w", job.UserID, err)
	}
	return nil
}
