package common

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of a single external call
type RetryPolicy struct {
	MaxAttempts    int           // Total attempts including the first
	BaseDelay      time.Duration // Delay after the first failure, doubled each attempt
	MaxDelay       time.Duration // Upper bound on any delay, including server hints
	AttemptTimeout time.Duration // Per-attempt deadline; zero means none
}

// RetryDecision tells Retry what to do with a failed attempt
type RetryDecision struct {
	Retry      bool
	RetryAfter time.Duration // Server-provided hint, preferred over computed backoff
}

// NewRetryPolicy builds a policy from the [sync] section
func NewRetryPolicy(cfg SyncConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      ParseDuration(cfg.BaseDelay, time.Second),
		MaxDelay:       ParseDuration(cfg.MaxDelay, 30*time.Second),
		AttemptTimeout: ParseDuration(cfg.AttemptTimeout, 20*time.Second),
	}
}

// Delay returns the wait before attempt+1, where attempt counts failures so far (1-based).
func (p RetryPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	d := hint
	if d <= 0 {
		d = p.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, classify rejects the error, attempts run
// out or ctx is done. It returns the last error from fn and the number of
// attempts made.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error, classify func(error) RetryDecision) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = runAttempt(ctx, p.AttemptTimeout, fn)
		if lastErr == nil {
			return attempt, nil
		}

		decision := classify(lastErr)
		if !decision.Retry || attempt == maxAttempts {
			return attempt, lastErr
		}

		timer := time.NewTimer(p.Delay(attempt, decision.RetryAfter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, lastErr
		case <-timer.C:
		}
	}
	return maxAttempts, lastErr
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
