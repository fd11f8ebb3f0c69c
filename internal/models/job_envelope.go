package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/ideadigest/internal/common"
)

// JobKind tags the payload carried by a JobEnvelope
type JobKind string

const (
	JobKindDigest        JobKind = "digest"
	JobKindManualTrigger JobKind = "manual_trigger"
	JobKindReset         JobKind = "reset"
)

// DigestPayload drives a sync, generate and dispatch cycle for one user and period
type DigestPayload struct {
	UserID    string `json:"user_id" validate:"required"`
	PeriodKey string `json:"period_key" validate:"required,periodkey"`
	IdeaCount int    `json:"idea_count" validate:"gte=1,lte=50"`
	ForceSend bool   `json:"force_send"`
}

// ResetPayload forces a user's progress record to completed
type ResetPayload struct {
	UserID string `json:"user_id" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// JobEnvelope is the tagged union stored on the queue. Exactly one payload
// field is set, and it must match Kind.
type JobEnvelope struct {
	Kind   JobKind        `json:"kind" validate:"required,oneof=digest manual_trigger reset"`
	Digest *DigestPayload `json:"digest,omitempty"`
	Reset  *ResetPayload  `json:"reset,omitempty"`
}

// NewDigestEnvelope builds a scheduled digest job
func NewDigestEnvelope(userID, periodKey string, ideaCount int) JobEnvelope {
	return JobEnvelope{
		Kind:   JobKindDigest,
		Digest: &DigestPayload{UserID: userID, PeriodKey: periodKey, IdeaCount: ideaCount},
	}
}

// NewManualTriggerEnvelope builds a forced digest job
func NewManualTriggerEnvelope(userID, periodKey string, ideaCount int) JobEnvelope {
	return JobEnvelope{
		Kind:   JobKindManualTrigger,
		Digest: &DigestPayload{UserID: userID, PeriodKey: periodKey, IdeaCount: ideaCount, ForceSend: true},
	}
}

// NewResetEnvelope builds an operator reset job
func NewResetEnvelope(userID, reason string) JobEnvelope {
	return JobEnvelope{
		Kind:  JobKindReset,
		Reset: &ResetPayload{UserID: userID, Reason: reason},
	}
}

// UserID returns the user the job concerns
func (e JobEnvelope) UserID() string {
	switch {
	case e.Digest != nil:
		return e.Digest.UserID
	case e.Reset != nil:
		return e.Reset.UserID
	}
	return ""
}

// DedupKey returns the queue job key for this envelope
func (e JobEnvelope) DedupKey() string {
	switch e.Kind {
	case JobKindDigest:
		return fmt.Sprintf("digest:%s:%s", e.Digest.UserID, e.Digest.PeriodKey)
	case JobKindManualTrigger:
		return fmt.Sprintf("manual:%s:%s", e.Digest.UserID, e.Digest.PeriodKey)
	case JobKindReset:
		return fmt.Sprintf("reset:%s", e.Reset.UserID)
	}
	return ""
}

// EnvelopeValidator validates envelopes at the queue boundary
type EnvelopeValidator struct {
	validate *validator.Validate
}

// NewEnvelopeValidator registers the custom tags used by job payloads
func NewEnvelopeValidator() *EnvelopeValidator {
	v := validator.New()
	_ = v.RegisterValidation("periodkey", func(fl validator.FieldLevel) bool {
		return common.IsPeriodKey(fl.Field().String())
	})
	return &EnvelopeValidator{validate: v}
}

// Validate checks field rules and that the payload matches the kind
func (ev *EnvelopeValidator) Validate(e JobEnvelope) error {
	if err := ev.validate.Struct(e); err != nil {
		return fmt.Errorf("invalid job envelope: %w", err)
	}

	switch e.Kind {
	case JobKindDigest, JobKindManualTrigger:
		if e.Digest == nil || e.Reset != nil {
			return fmt.Errorf("invalid job envelope: kind %s requires only a digest payload", e.Kind)
		}
		if e.Kind == JobKindManualTrigger && !e.Digest.ForceSend {
			return fmt.Errorf("invalid job envelope: manual_trigger must set force_send")
		}
	case JobKindReset:
		if e.Reset == nil || e.Digest != nil {
			return fmt.Errorf("invalid job envelope: kind reset requires only a reset payload")
		}
	}
	return nil
}

// ValidateStruct validates any struct carrying validate tags, such as HTTP request bodies
func (ev *EnvelopeValidator) ValidateStruct(s interface{}) error {
	return ev.validate.Struct(s)
}
