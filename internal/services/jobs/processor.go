// Package jobs consumes digest, manual trigger and reset jobs from the queue.
// Every handler is safe to run more than once for the same job.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/queue"
	"github.com/ternarybob/ideadigest/internal/services/digest"
	"github.com/ternarybob/ideadigest/internal/services/ideas"
	"github.com/ternarybob/ideadigest/internal/services/platformsync"
	"github.com/ternarybob/ideadigest/internal/services/progress"
)

// Syncer runs a platform sync for one user
type Syncer interface {
	Run(ctx context.Context, userID string) (*platformsync.Result, error)
}

// Processor handles queued jobs
type Processor struct {
	syncer     Syncer
	generator  *ideas.Generator
	ideas      interfaces.IdeaStorage
	dispatcher *digest.Dispatcher
	tracker    *progress.Tracker
	logger     arbor.ILogger
}

// NewProcessor creates a new job processor
func NewProcessor(
	syncer Syncer,
	generator *ideas.Generator,
	ideaStorage interfaces.IdeaStorage,
	dispatcher *digest.Dispatcher,
	tracker *progress.Tracker,
	logger arbor.ILogger,
) *Processor {
	return &Processor{
		syncer:     syncer,
		generator:  generator,
		ideas:      ideaStorage,
		dispatcher: dispatcher,
		tracker:    tracker,
		logger:     logger,
	}
}

// Register attaches the processor's handlers to pool
func (p *Processor) Register(pool *queue.WorkerPool) {
	pool.RegisterHandler(models.JobKindDigest, p.HandleDigest)
	pool.RegisterHandler(models.JobKindManualTrigger, p.HandleDigest)
	pool.RegisterHandler(models.JobKindReset, p.HandleReset)
}

// HandleDigest syncs, generates and dispatches one period's digest. Work
// already done by an earlier delivery of the same job is detected and skipped.
func (p *Processor) HandleDigest(ctx context.Context, msg *queue.QueueMessage) error {
	payload := msg.Envelope.Digest
	if payload == nil {
		return queue.Permanent(fmt.Errorf("job %s has no digest payload", msg.ID))
	}

	logger := p.logger.WithCorrelationId(msg.ID)
	userID, period := payload.UserID, payload.PeriodKey

	if !payload.ForceSend {
		sent, err := p.dispatcher.Sent(ctx, userID, period)
		if err != nil {
			return err
		}
		if sent {
			logger.Info().Str("user_id", userID).Str("period", period).Msg("Digest already sent, nothing to do")
			return nil
		}
	}

	batch, err := p.ideas.GetBatch(ctx, userID, period)
	switch {
	case err == nil:
		logger.Debug().Str("user_id", userID).Str("period", period).Msg("Reusing stored idea batch")
	case errors.Is(err, interfaces.ErrKeyNotFound):
		batch, err = p.buildBatch(ctx, logger, payload)
		if errors.Is(err, ideas.ErrNoData) {
			logger.Info().Str("user_id", userID).Str("period", period).Msg("No digest this period, not enough data")
			return nil
		}
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to load idea batch: %w", err)
	}

	outcome, err := p.dispatcher.Dispatch(ctx, digest.Request{
		UserID:    userID,
		PeriodKey: period,
		Batch:     batch,
		Force:     payload.ForceSend,
	})
	if err != nil {
		if errors.Is(err, digest.ErrNoRecipient) || errors.Is(err, interfaces.ErrKeyNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	logger.Info().
		Str("user_id", userID).
		Str("period", period).
		Str("outcome", string(outcome)).
		Str("kind", string(msg.Envelope.Kind)).
		Msg("Digest job finished")
	return nil
}

// buildBatch refreshes platform data and stores a new batch. A failed sync
// falls back to whatever data earlier syncs left behind.
func (p *Processor) buildBatch(ctx context.Context, logger arbor.ILogger, payload *models.DigestPayload) (*models.IdeaBatch, error) {
	userID, period := payload.UserID, payload.PeriodKey

	result, err := p.syncer.Run(ctx, userID)
	switch {
	case errors.Is(err, progress.ErrAlreadyRunning):
		// Retried by the queue once the other run finishes
		return nil, fmt.Errorf("sync for %s in progress: %w", userID, err)
	case err != nil:
		logger.Warn().Err(err).Str("user_id", userID).Msg("Sync failed, generating from previously synced data")
	default:
		logger.Debug().Str("user_id", userID).Int("videos", result.Videos).Msg("Sync finished")
	}

	batch, err := p.generator.GenerateForPeriod(ctx, userID, period, payload.IdeaCount)
	if err != nil {
		return nil, err
	}

	if err := p.ideas.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to save idea batch: %w", err)
	}

	// A concurrent delivery may have stored its batch first; dispatch that one
	stored, err := p.ideas.GetBatch(ctx, userID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to reload idea batch: %w", err)
	}
	return stored, nil
}

// HandleReset forces the user's progress record to completed
func (p *Processor) HandleReset(ctx context.Context, msg *queue.QueueMessage) error {
	payload := msg.Envelope.Reset
	if payload == nil {
		return queue.Permanent(fmt.Errorf("job %s has no reset payload", msg.ID))
	}

	if _, err := p.tracker.Reset(ctx, payload.UserID, payload.Reason); err != nil {
		return err
	}
	p.logger.WithCorrelationId(msg.ID).Info().Str("user_id", payload.UserID).Msg("Reset job finished")
	return nil
}
