package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/models"
)

// JobHandler handles one kind of job. Returning an error nacks the delivery;
// wrap it with Permanent to fail the job without retry.
type JobHandler func(ctx context.Context, msg *QueueMessage) error

// WorkerPool manages a pool of workers that process queue messages
type WorkerPool struct {
	queueMgr *BadgerManager
	handlers map[models.JobKind]JobHandler
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queueMgr *BadgerManager, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queueMgr: queueMgr,
		handlers: make(map[models.JobKind]JobHandler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers a job kind handler
func (wp *WorkerPool) RegisterHandler(kind models.JobKind, handler JobHandler) {
	wp.mu.Lock()
	wp.handlers[kind] = handler
	wp.mu.Unlock()

	wp.logger.Debug().
		Str("job_kind", string(kind)).
		Msg("Job handler registered")
}

// Start starts the worker pool
func (wp *WorkerPool) Start() error {
	config := wp.queueMgr.Config()

	wp.logger.Info().
		Int("concurrency", config.Concurrency).
		Dur("poll_interval", config.PollInterval).
		Msg("Starting worker pool")

	for i := 0; i < config.Concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	return nil
}

// Stop cancels the workers and waits for in-flight jobs to return
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

// worker is the main worker loop that processes messages
func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	config := wp.queueMgr.Config()

	// Stagger worker starts to spread polling across the interval
	staggerDelay := (config.PollInterval / time.Duration(config.Concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-time.After(staggerDelay):
		case <-wp.ctx.Done():
			return
		}
	}

	wp.logger.Debug().
		Int("worker_id", workerID).
		Dur("stagger_delay", staggerDelay).
		Msg("Worker started")

	ticker := time.NewTicker(config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			// Drain visible messages before waiting for the next tick
			for wp.ctx.Err() == nil {
				err := wp.processMessage(workerID)
				if errors.Is(err, ErrNoMessage) || errors.Is(err, context.Canceled) {
					break
				}
				if err != nil {
					wp.logger.Warn().
						Err(err).
						Int("worker_id", workerID).
						Msg("Error processing message")
					break
				}
			}
		}
	}
}

// processMessage receives and processes a single message
func (wp *WorkerPool) processMessage(workerID int) error {
	delivery, err := wp.queueMgr.Receive(wp.ctx)
	if err != nil {
		if errors.Is(err, ErrNoMessage) {
			return ErrNoMessage
		}
		return fmt.Errorf("failed to receive message: %w", err)
	}

	msg := &delivery.Message
	logger := wp.logger.WithCorrelationId(msg.ID)

	wp.mu.RLock()
	handler, exists := wp.handlers[msg.Envelope.Kind]
	wp.mu.RUnlock()

	if !exists {
		logger.Error().
			Str("kind", string(msg.Envelope.Kind)).
			Str("message_id", msg.ID).
			Msg("No handler registered for job kind")
		if err := delivery.Nack(wp.ctx, Permanent(fmt.Errorf("no handler for job kind: %s", msg.Envelope.Kind))); err != nil {
			logger.Warn().Err(err).Msg("Failed to fail unknown job kind message")
		}
		return nil
	}

	logger.Debug().
		Str("message_id", msg.ID).
		Str("job_key", msg.JobKey).
		Int("attempt", msg.Attempts).
		Int("worker_id", workerID).
		Msg("Processing message")

	stopHeartbeat := wp.heartbeat(delivery, logger)

	startTime := time.Now()
	handlerErr := wp.runHandler(handler, msg, logger)
	duration := time.Since(startTime)

	stopHeartbeat()

	// Settle with a fresh context so shutdown does not strand a finished job as active
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if handlerErr != nil {
		willRetry := !IsPermanent(handlerErr) && msg.Attempts < msg.MaxAttempts
		logger.Error().
			Err(handlerErr).
			Str("message_id", msg.ID).
			Str("job_key", msg.JobKey).
			Int("attempt", msg.Attempts).
			Int("max_attempts", msg.MaxAttempts).
			Bool("will_retry", willRetry).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Job handler failed")

		if err := delivery.Nack(settleCtx, handlerErr); err != nil {
			return fmt.Errorf("failed to nack message %s: %w", msg.ID, err)
		}
		return nil
	}

	logger.Info().
		Str("message_id", msg.ID).
		Str("job_key", msg.JobKey).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("Job completed successfully")

	if err := delivery.Ack(settleCtx); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}
	return nil
}

func (wp *WorkerPool) runHandler(handler JobHandler, msg *QueueMessage, logger arbor.ILogger) (err error) {
	defer common.RecoverPanic(logger, "job:"+string(msg.Envelope.Kind), &err)
	return handler(wp.ctx, msg)
}

// heartbeat keeps the message invisible while the handler runs
func (wp *WorkerPool) heartbeat(delivery *Delivery, logger arbor.ILogger) func() {
	visibility := wp.queueMgr.Config().VisibilityTimeout
	interval := visibility / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := delivery.Extend(context.Background(), visibility); err != nil {
					logger.Warn().Err(err).Str("message_id", delivery.Message.ID).Msg("Failed to extend message visibility")
					return
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}
