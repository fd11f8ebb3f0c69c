// Package platformsync pulls a creator's channel, videos and comments from the
// video platform in ordered stages and derives per-video metrics.
package platformsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/services/progress"
)

// Config controls stage limits and retries
type Config struct {
	Retry            common.RetryPolicy
	MaxVideos        int
	CommentVideos    int
	CommentsPerVideo int
}

// NewConfig builds worker config from the [sync] section
func NewConfig(cfg common.SyncConfig) Config {
	return Config{
		Retry:            common.NewRetryPolicy(cfg),
		MaxVideos:        cfg.MaxVideos,
		CommentVideos:    cfg.CommentVideos,
		CommentsPerVideo: cfg.CommentsPerVideo,
	}
}

// StageError reports the stage that ended a run and its taxonomy code
type StageError struct {
	Stage    models.SyncStage
	Code     models.ErrorCode
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("sync stage %s failed after %d attempt(s) (%s): %v", e.Stage, e.Attempts, e.Code, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result summarises a finished run
type Result struct {
	UserID    string
	RunID     string
	Status    models.SyncStatus
	Stage     models.SyncStage // Last stage entered
	Videos    int
	Comments  int
	ErrorCode models.ErrorCode
	Duration  time.Duration
}

// Worker runs the sync state machine for one user at a time
type Worker struct {
	fetcher interfaces.PlatformFetcher
	storage interfaces.PlatformStorage
	users   interfaces.UserDirectory
	tracker *progress.Tracker
	config  Config
	logger  arbor.ILogger
	now     func() time.Time
}

// NewWorker creates a new platform sync worker
func NewWorker(
	fetcher interfaces.PlatformFetcher,
	storage interfaces.PlatformStorage,
	users interfaces.UserDirectory,
	tracker *progress.Tracker,
	config Config,
	logger arbor.ILogger,
) *Worker {
	return &Worker{
		fetcher: fetcher,
		storage: storage,
		users:   users,
		tracker: tracker,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for metric ages
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// runState is the data one run carries between stages. Everything in it has
// already been persisted when the next stage starts.
type runState struct {
	user     *models.UserProfile
	channel  *models.Channel
	videos   []*models.Video
	comments int
}

// errNoChannel means the fetcher reported success without a channel
var errNoChannel = errors.New("platform returned no channel")

type stageFunc func(ctx context.Context, state *runState) error

// Run syncs userID. It returns progress.ErrAlreadyRunning when another run
// holds the user's lock, progress.ErrRunSuperseded when the run was reset or
// expired underneath it, and *StageError when a stage failed for good.
// Data persisted by earlier stages is kept on failure.
func (w *Worker) Run(ctx context.Context, userID string) (*Result, error) {
	user, err := w.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	run, err := w.tracker.BeginRun(ctx, userID)
	if err != nil {
		return nil, err
	}

	logger := w.logger.WithCorrelationId(run.RunID)
	result := &Result{UserID: userID, RunID: run.RunID, Status: models.SyncStatusRunning, Stage: models.StageInitial}

	// The safety-net TTL also bounds the work
	runCtx, cancel := context.WithDeadline(ctx, run.Deadline)
	defer cancel()

	state := &runState{user: user}
	stages := map[models.SyncStage]stageFunc{
		models.StageFetchingChannel:  w.fetchChannel,
		models.StageFetchingVideos:   w.fetchVideos,
		models.StageFetchingComments: w.fetchComments,
		models.StageComputingMetrics: w.computeMetrics,
	}

	// Terminal writes must land even when the caller's context is gone
	finishCtx := context.WithoutCancel(ctx)

	for _, stage := range models.SyncStages {
		if err := w.tracker.Advance(runCtx, run, stage, stage.Percent()); err != nil {
			if errors.Is(err, progress.ErrRunSuperseded) {
				logger.Warn().Str("user_id", userID).Str("stage", string(stage)).Msg("Sync run superseded, stopping")
			}
			return w.finishResult(result, state, run), err
		}
		result.Stage = stage

		if err := stages[stage](runCtx, state); err != nil {
			var stageErr *StageError
			if !errors.As(err, &stageErr) {
				stageErr = &StageError{Stage: stage, Code: models.ClassifyError(err), Attempts: 1, Err: err}
			}
			stageErr.Stage = stage

			if failErr := w.tracker.Fail(finishCtx, run, stageErr.Code, stageErr.Err); failErr != nil && !errors.Is(failErr, progress.ErrRunSuperseded) {
				logger.Error().Err(failErr).Str("user_id", userID).Msg("Failed to record sync failure")
			}

			logger.Warn().
				Err(stageErr.Err).
				Str("user_id", userID).
				Str("stage", string(stage)).
				Str("error_code", string(stageErr.Code)).
				Int("attempts", stageErr.Attempts).
				Msg("Sync stage failed")

			result = w.finishResult(result, state, run)
			result.Status = models.SyncStatusFailed
			result.ErrorCode = stageErr.Code
			return result, stageErr
		}
	}

	if err := w.tracker.Complete(finishCtx, run); err != nil {
		return w.finishResult(result, state, run), err
	}

	result = w.finishResult(result, state, run)
	result.Status = models.SyncStatusCompleted
	result.Stage = models.StageDone

	logger.Info().
		Str("user_id", userID).
		Int("videos", result.Videos).
		Int("comments", result.Comments).
		Dur("duration", result.Duration).
		Msg("Sync completed")
	return result, nil
}

func (w *Worker) finishResult(result *Result, state *runState, run *progress.Run) *Result {
	result.Videos = len(state.videos)
	result.Comments = state.comments
	result.Duration = w.now().Sub(run.StartedAt)
	return result
}

// call retries one external fetch under the configured policy
func (w *Worker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts, err := common.Retry(ctx, w.config.Retry, fn, func(err error) common.RetryDecision {
		code := models.ClassifyError(err)
		if code.Retryable() {
			w.logger.Debug().Err(err).Str("error_code", string(code)).Msg("Retrying platform call")
		}
		return common.RetryDecision{Retry: code.Retryable(), RetryAfter: models.RetryAfterHint(err)}
	})
	if err != nil {
		return &StageError{Code: models.ClassifyError(err), Attempts: attempts, Err: err}
	}
	return nil
}

// persisted wraps a storage failure; the store may recover, so it is transient
func persisted(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Code: models.ErrorCodeTransient, Attempts: 1, Err: fmt.Errorf("%s: %w", op, err)}
}

func (w *Worker) fetchChannel(ctx context.Context, state *runState) error {
	var channel *models.Channel
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		channel, err = w.fetcher.FetchChannel(ctx, state.user)
		return err
	})
	if err != nil {
		return err
	}
	if channel == nil {
		return &StageError{Code: models.ErrorCodePermanent, Attempts: 1, Err: errNoChannel}
	}

	channel.UserID = state.user.UserID
	if channel.SyncedAt.IsZero() {
		channel.SyncedAt = w.now()
	}
	// Keep the previous run's median until metrics are recomputed
	if previous, err := w.storage.GetChannel(ctx, state.user.UserID); err == nil {
		channel.MedianViews = previous.MedianViews
	}

	if err := persisted("save channel", w.storage.SaveChannel(ctx, channel)); err != nil {
		return err
	}
	state.channel = channel
	return nil
}

func (w *Worker) fetchVideos(ctx context.Context, state *runState) error {
	var videos []*models.Video
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		videos, err = w.fetcher.FetchVideos(ctx, state.user, state.channel, w.config.MaxVideos)
		return err
	})
	if err != nil {
		return err
	}

	if err := persisted("save videos", w.storage.SaveVideos(ctx, state.user.UserID, videos)); err != nil {
		return err
	}
	state.videos = videos
	return nil
}

func (w *Worker) fetchComments(ctx context.Context, state *runState) error {
	recent := newestFirst(state.videos)
	if len(recent) > w.config.CommentVideos {
		recent = recent[:w.config.CommentVideos]
	}

	for _, video := range recent {
		var comments []*models.Comment
		err := w.call(ctx, func(ctx context.Context) error {
			var err error
			comments, err = w.fetcher.FetchComments(ctx, state.user, video.VideoID, w.config.CommentsPerVideo)
			return err
		})
		if err != nil {
			return err
		}

		if err := persisted("save comments", w.storage.SaveComments(ctx, state.user.UserID, video.VideoID, comments)); err != nil {
			return err
		}
		state.comments += len(comments)
	}
	return nil
}

// computeMetrics works from stored data rather than the fetched slices
func (w *Worker) computeMetrics(ctx context.Context, state *runState) error {
	userID := state.user.UserID

	videos, err := w.storage.ListVideos(ctx, userID)
	if err != nil {
		return persisted("list videos", err)
	}

	topComments := make(map[string]string)
	for _, video := range videos {
		comments, err := w.storage.ListComments(ctx, userID, video.VideoID)
		if err != nil {
			return persisted("list comments", err)
		}
		if len(comments) > 0 {
			topComments[video.VideoID] = comments[0].Text
		}
	}

	metrics := ComputeMetrics(userID, videos, topComments, w.now())
	if err := persisted("save metrics", w.storage.SaveMetrics(ctx, userID, metrics)); err != nil {
		return err
	}

	channel, err := w.storage.GetChannel(ctx, userID)
	if err != nil {
		return persisted("get channel", err)
	}
	channel.MedianViews = MedianViews(videos)
	return persisted("save channel", w.storage.SaveChannel(ctx, channel))
}

func newestFirst(videos []*models.Video) []*models.Video {
	sorted := make([]*models.Video, len(videos))
	copy(sorted, videos)
	sortVideos(sorted)
	return sorted
}
