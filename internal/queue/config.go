package queue

import (
	"time"

	"github.com/ternarybob/ideadigest/internal/common"
)

// Config holds configuration for the queue manager and worker pool
type Config struct {
	// PollInterval is how often idle workers poll for messages
	PollInterval time.Duration

	// Concurrency is the number of concurrent workers
	Concurrency int

	// VisibilityTimeout is how long a claimed message stays hidden before redelivery
	VisibilityTimeout time.Duration

	// MaxAttempts is the default number of deliveries before a job fails
	MaxAttempts int

	// Backoff is the default base delay before a failed job is retried
	Backoff time.Duration

	// QueueName prefixes every queue key in Badger
	QueueName string

	RemoveOnComplete bool
	RemoveOnFail     bool
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		Concurrency:       4,
		VisibilityTimeout: 5 * time.Minute,
		MaxAttempts:       5,
		Backoff:           30 * time.Second,
		QueueName:         "digest_jobs",
		RemoveOnComplete:  true,
		RemoveOnFail:      true,
	}
}

// NewConfig builds the queue configuration from the [queue] section
func NewConfig(cfg common.QueueConfig) Config {
	defaults := NewDefaultConfig()

	config := Config{
		PollInterval:      common.ParseDuration(cfg.PollInterval, defaults.PollInterval),
		Concurrency:       cfg.Concurrency,
		VisibilityTimeout: common.ParseDuration(cfg.VisibilityTimeout, defaults.VisibilityTimeout),
		MaxAttempts:       cfg.MaxAttempts,
		Backoff:           common.ParseDuration(cfg.Backoff, defaults.Backoff),
		QueueName:         cfg.QueueName,
		RemoveOnComplete:  cfg.RemoveOnComplete,
		RemoveOnFail:      cfg.RemoveOnFail,
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.QueueName == "" {
		config.QueueName = defaults.QueueName
	}
	return config
}

// DefaultEnqueueOptions returns per-job options derived from the queue config
func (c Config) DefaultEnqueueOptions() EnqueueOptions {
	return EnqueueOptions{
		RemoveOnComplete: c.RemoveOnComplete,
		RemoveOnFail:     c.RemoveOnFail,
		MaxAttempts:      c.MaxAttempts,
		Backoff:          c.Backoff,
	}
}
