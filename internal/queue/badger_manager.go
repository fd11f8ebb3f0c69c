package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/models"
)

const (
	// Attempts for write transactions that lose an SSI conflict
	maxTxnAttempts = 5

	maxBackoff = time.Hour
)

// BadgerManager implements a persistent at-least-once queue using BadgerDB.
//
// Key layout:
//
//	queue:{name}:msg:{id}          message JSON
//	queue:{name}:index:{ts}:{id}   visibility index for waiting and active messages
//	queue:{name}:dedup:{jobKey}    id of the message currently owning the job key
//
// Claims happen inside a read-write transaction; Badger's conflict detection
// lets exactly one of two racing workers commit the claim.
type BadgerManager struct {
	db        *badger.DB
	config    Config
	validator *models.EnvelopeValidator
	logger    arbor.ILogger
	now       func() time.Time
}

// NewBadgerManager creates a new Badger-backed queue manager
func NewBadgerManager(db *badger.DB, config Config, logger arbor.ILogger) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 5 * time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	return &BadgerManager{
		db:        db,
		config:    config,
		validator: models.NewEnvelopeValidator(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// WithClock replaces the clock used for visibility and backoff
func (m *BadgerManager) WithClock(now func() time.Time) *BadgerManager {
	m.now = now
	return m
}

// Config returns the manager configuration
func (m *BadgerManager) Config() Config {
	return m.config
}

// Enqueue adds a job unless a waiting or active job already holds jobKey.
// It returns the id of the new or existing message and whether a new message
// was written. An empty jobKey uses the envelope's own dedup key.
func (m *BadgerManager) Enqueue(ctx context.Context, jobKey string, envelope models.JobEnvelope, opts EnqueueOptions) (string, bool, error) {
	if err := m.validator.Validate(envelope); err != nil {
		return "", false, err
	}
	if jobKey == "" {
		jobKey = envelope.DedupKey()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = m.config.MaxAttempts
	}

	var id string
	var enqueued bool

	err := m.update(ctx, func(txn *badger.Txn) error {
		id, enqueued = "", false

		existing, err := m.lookupJobKey(txn, jobKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Status.Pending() {
				id = existing.ID
				return nil
			}
			// Retained completed/failed record: replace it
			if err := m.deleteMessage(txn, existing); err != nil {
				return err
			}
		}

		now := m.now()
		msg := &QueueMessage{
			ID:               common.NewJobID(),
			JobKey:           jobKey,
			Envelope:         envelope,
			Status:           StatusWaiting,
			EnqueuedAt:       now,
			VisibleAt:        now.Add(opts.Delay),
			UpdatedAt:        now,
			MaxAttempts:      opts.MaxAttempts,
			Backoff:          opts.Backoff,
			RemoveOnComplete: opts.RemoveOnComplete,
			RemoveOnFail:     opts.RemoveOnFail,
		}
		if err := m.putMessage(txn, msg); err != nil {
			return err
		}
		if err := txn.Set(m.indexKey(msg.VisibleAt, msg.ID), []byte{}); err != nil {
			return err
		}
		if err := txn.Set(m.dedupKey(jobKey), []byte(msg.ID)); err != nil {
			return err
		}

		id, enqueued = msg.ID, true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to enqueue job %s: %w", jobKey, err)
	}

	if enqueued {
		m.logger.Debug().Str("job_key", jobKey).Str("message_id", id).Str("kind", string(envelope.Kind)).Msg("Job enqueued")
	} else {
		m.logger.Debug().Str("job_key", jobKey).Str("message_id", id).Msg("Job already pending, enqueue skipped")
	}
	return id, enqueued, nil
}

// Receive claims the oldest visible message. Active messages whose visibility
// lapsed are redelivered; if that lapse was on the final attempt the message fails instead.
func (m *BadgerManager) Receive(ctx context.Context) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var claimed QueueMessage
	found := false

	// The closure returns nil when nothing is claimed so cleanup writes commit
	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := m.now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue // Skip invalid keys
			}
			if ts.After(now) {
				// Keys sort by timestamp, nothing later is visible either
				break
			}

			msg, err := m.getMessage(txn, id)
			if errors.Is(err, ErrMessageNotFound) {
				// Index without message, clean up
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			if msg.Status == StatusActive && msg.Attempts >= msg.MaxAttempts {
				msg.LastError = "visibility timeout elapsed on final attempt"
				if err := m.finish(txn, msg, StatusFailed); err != nil {
					return err
				}
				m.logger.Warn().Str("message_id", msg.ID).Str("job_key", msg.JobKey).Int("attempts", msg.Attempts).
					Msg("Job abandoned by worker on final attempt, marked failed")
				continue
			}

			if err := txn.Delete(key); err != nil {
				return err
			}
			msg.Attempts++
			msg.Status = StatusActive
			msg.ClaimID = uuid.New().String()
			msg.VisibleAt = now.Add(m.config.VisibilityTimeout)
			msg.UpdatedAt = now
			if err := txn.Set(m.indexKey(msg.VisibleAt, msg.ID), []byte{}); err != nil {
				return err
			}
			if err := m.putMessage(txn, msg); err != nil {
				return err
			}

			claimed = *msg
			found = true
			return nil
		}

		return nil
	})

	if errors.Is(err, badger.ErrConflict) {
		// Another worker committed first
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoMessage
	}

	return &Delivery{Message: claimed, mgr: m}, nil
}

// Get returns a message by id
func (m *BadgerManager) Get(ctx context.Context, id string) (*QueueMessage, error) {
	var msg *QueueMessage
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = m.getMessage(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Stats counts stored messages by status
func (m *BadgerManager) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	now := m.now()

	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", m.config.QueueName))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg QueueMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			switch msg.Status {
			case StatusWaiting:
				stats.Waiting++
				if msg.VisibleAt.After(now) {
					stats.Delayed++
				}
			case StatusActive:
				stats.Active++
			case StatusCompleted:
				stats.Completed++
			case StatusFailed:
				stats.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return stats, nil
}

// Close closes the queue manager (no-op for BadgerManager as DB is managed externally)
func (m *BadgerManager) Close() error {
	return nil
}

// Delivery is one claim of a message. Exactly one of Ack or Nack should be called.
type Delivery struct {
	Message QueueMessage
	mgr     *BadgerManager
}

// Ack marks the job completed, purging it when RemoveOnComplete is set
func (d *Delivery) Ack(ctx context.Context) error {
	return d.mgr.settle(ctx, d, func(txn *badger.Txn, msg *QueueMessage) error {
		msg.LastError = ""
		return d.mgr.finish(txn, msg, StatusCompleted)
	})
}

// Nack records a failed attempt. The job becomes visible again after its
// backoff, or fails when attempts are exhausted or cause is Permanent.
func (d *Delivery) Nack(ctx context.Context, cause error) error {
	return d.mgr.settle(ctx, d, func(txn *badger.Txn, msg *QueueMessage) error {
		if cause != nil {
			msg.LastError = cause.Error()
		}
		if IsPermanent(cause) || msg.Attempts >= msg.MaxAttempts {
			return d.mgr.finish(txn, msg, StatusFailed)
		}

		if err := txn.Delete(d.mgr.indexKey(msg.VisibleAt, msg.ID)); err != nil {
			return err
		}
		now := d.mgr.now()
		msg.Status = StatusWaiting
		msg.ClaimID = ""
		msg.VisibleAt = now.Add(backoffFor(msg.Backoff, msg.Attempts))
		msg.UpdatedAt = now
		if err := txn.Set(d.mgr.indexKey(msg.VisibleAt, msg.ID), []byte{}); err != nil {
			return err
		}
		return d.mgr.putMessage(txn, msg)
	})
}

// Extend pushes the visibility timeout out to now+duration
func (d *Delivery) Extend(ctx context.Context, duration time.Duration) error {
	return d.mgr.settle(ctx, d, func(txn *badger.Txn, msg *QueueMessage) error {
		if err := txn.Delete(d.mgr.indexKey(msg.VisibleAt, msg.ID)); err != nil {
			return err
		}
		msg.VisibleAt = d.mgr.now().Add(duration)
		if err := txn.Set(d.mgr.indexKey(msg.VisibleAt, msg.ID), []byte{}); err != nil {
			return err
		}
		if err := d.mgr.putMessage(txn, msg); err != nil {
			return err
		}
		d.Message.VisibleAt = msg.VisibleAt
		return nil
	})
}

// settle loads the message and runs fn only if this delivery still owns it
func (m *BadgerManager) settle(ctx context.Context, d *Delivery, fn func(txn *badger.Txn, msg *QueueMessage) error) error {
	return m.update(ctx, func(txn *badger.Txn) error {
		msg, err := m.getMessage(txn, d.Message.ID)
		if err != nil {
			return err
		}
		if msg.Status != StatusActive || msg.ClaimID != d.Message.ClaimID {
			return ErrStaleDelivery
		}
		return fn(txn, msg)
	})
}

// finish moves a message to a terminal status, or purges it per its options
func (m *BadgerManager) finish(txn *badger.Txn, msg *QueueMessage, status MessageStatus) error {
	if err := txn.Delete(m.indexKey(msg.VisibleAt, msg.ID)); err != nil {
		return err
	}

	if (status == StatusCompleted && msg.RemoveOnComplete) || (status == StatusFailed && msg.RemoveOnFail) {
		return m.deleteMessage(txn, msg)
	}

	msg.Status = status
	msg.ClaimID = ""
	msg.UpdatedAt = m.now()
	return m.putMessage(txn, msg)
}

// deleteMessage removes a message, its index entry and its job key if still owned
func (m *BadgerManager) deleteMessage(txn *badger.Txn, msg *QueueMessage) error {
	if msg.Status.Pending() {
		if err := txn.Delete(m.indexKey(msg.VisibleAt, msg.ID)); err != nil {
			return err
		}
	}
	if err := txn.Delete(m.msgKey(msg.ID)); err != nil {
		return err
	}

	item, err := txn.Get(m.dedupKey(msg.JobKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	owner, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if string(owner) == msg.ID {
		return txn.Delete(m.dedupKey(msg.JobKey))
	}
	return nil
}

// lookupJobKey returns the message owning jobKey, or nil
func (m *BadgerManager) lookupJobKey(txn *badger.Txn, jobKey string) (*QueueMessage, error) {
	item, err := txn.Get(m.dedupKey(jobKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}

	msg, err := m.getMessage(txn, string(id))
	if errors.Is(err, ErrMessageNotFound) {
		return nil, txn.Delete(m.dedupKey(jobKey))
	}
	return msg, err
}

func (m *BadgerManager) getMessage(txn *badger.Txn, id string) (*QueueMessage, error) {
	item, err := txn.Get(m.msgKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	var msg QueueMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode queue message %s: %w", id, err)
	}
	return &msg, nil
}

func (m *BadgerManager) putMessage(txn *badger.Txn, msg *QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	return txn.Set(m.msgKey(msg.ID), data)
}

// update retries fn when a concurrent writer commits a key it read
func (m *BadgerManager) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 1; attempt <= maxTxnAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = m.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func backoffFor(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Helpers

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.config.QueueName, id))
}

func (m *BadgerManager) dedupKey(jobKey string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dedup:%s", m.config.QueueName, jobKey))
}

func (m *BadgerManager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.config.QueueName))
}

func (m *BadgerManager) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.config.QueueName, visibleAt.UnixNano(), id))
}

func (m *BadgerManager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{20-digit-ts}:{id}"
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 || suffix[20] != ':' {
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}
