package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a queue message ID
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewRunID generates the identifier for a single sync run
// Format: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewLockToken generates an opaque lock ownership token
func NewLockToken() string {
	return uuid.New().String()
}
