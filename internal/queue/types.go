package queue

import (
	"errors"
	"time"

	"github.com/ternarybob/ideadigest/internal/models"
)

var (
	// ErrNoMessage is returned when no message is visible, or another worker claimed it first
	ErrNoMessage = errors.New("no messages in queue")

	// ErrMessageNotFound is returned by Get for unknown or purged ids
	ErrMessageNotFound = errors.New("queue message not found")

	// ErrStaleDelivery is returned when acting on a delivery whose visibility
	// lapsed and which has since been claimed again
	ErrStaleDelivery = errors.New("delivery no longer owns message")
)

// MessageStatus is the queue-level state of a job
type MessageStatus string

const (
	StatusWaiting   MessageStatus = "waiting"
	StatusActive    MessageStatus = "active"
	StatusCompleted MessageStatus = "completed"
	StatusFailed    MessageStatus = "failed"
)

// Pending reports whether the message still blocks its dedup key
func (s MessageStatus) Pending() bool {
	return s == StatusWaiting || s == StatusActive
}

// QueueMessage represents the internal structure stored in Badger
type QueueMessage struct {
	ID               string             `json:"id"`
	JobKey           string             `json:"job_key"`
	Envelope         models.JobEnvelope `json:"envelope"`
	Status           MessageStatus      `json:"status"`
	EnqueuedAt       time.Time          `json:"enqueued_at"`
	VisibleAt        time.Time          `json:"visible_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	Attempts         int                `json:"attempts"`
	MaxAttempts      int                `json:"max_attempts"`
	Backoff          time.Duration      `json:"backoff"`
	RemoveOnComplete bool               `json:"remove_on_complete"`
	RemoveOnFail     bool               `json:"remove_on_fail"`
	ClaimID          string             `json:"claim_id,omitempty"`
	LastError        string             `json:"last_error,omitempty"`
}

// EnqueueOptions control one job's retry and retention
type EnqueueOptions struct {
	RemoveOnComplete bool
	RemoveOnFail     bool
	MaxAttempts      int
	Delay            time.Duration // Initial invisibility
	Backoff          time.Duration // Base delay after a failed attempt, doubled per attempt
}

// Stats counts messages per status. Delayed is the subset of Waiting not yet visible.
type Stats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// permanentError marks a handler failure that must not be retried
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Nack fails the job without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
