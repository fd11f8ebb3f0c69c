package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorCode is the taxonomy code recorded on a failed sync
type ErrorCode string

const (
	ErrorCodeTransient   ErrorCode = "transient"
	ErrorCodeRateLimited ErrorCode = "rate_limited"
	ErrorCodeAuthExpired ErrorCode = "auth_expired"
	ErrorCodePermanent   ErrorCode = "permanent"
)

// Retryable reports whether a failure with this code should be retried locally
func (c ErrorCode) Retryable() bool {
	return c == ErrorCodeTransient || c == ErrorCodeRateLimited
}

// PlatformError is a classified failure of the video platform fetch capability
type PlatformError struct {
	Code       ErrorCode
	Op         string        // e.g. "channels.list"
	RetryAfter time.Duration // Server hint, zero when absent
	Err        error
}

func (e *PlatformError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Code)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// NewPlatformError wraps err with a taxonomy code
func NewPlatformError(code ErrorCode, op string, err error) *PlatformError {
	return &PlatformError{Code: code, Op: op, Err: err}
}

// ClassifyError returns the taxonomy code for any error. Unclassified errors
// from the network or deadlines are transient; everything else unknown is permanent.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorCodeTransient
	}

	return ErrorCodePermanent
}

// RetryAfterHint extracts a server retry-after hint from err, if any
func RetryAfterHint(err error) time.Duration {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
