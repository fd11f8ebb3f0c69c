package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/queue"
	"github.com/ternarybob/ideadigest/internal/services/progress"
)

// ResetRequest is the body of POST /api/sync/reset
type ResetRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Reason string `json:"reason"`
	Queued bool   `json:"queued"` // Enqueue a reset job instead of resetting inline
}

// SyncHandler serves the progress read contract and the operator reset
type SyncHandler struct {
	tracker   *progress.Tracker
	queue     JobEnqueuer
	options   queue.EnqueueOptions
	validator *models.EnvelopeValidator
	logger    arbor.ILogger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(tracker *progress.Tracker, jobs JobEnqueuer, options queue.EnqueueOptions, logger arbor.ILogger) *SyncHandler {
	return &SyncHandler{
		tracker:   tracker,
		queue:     jobs,
		options:   options,
		validator: models.NewEnvelopeValidator(),
		logger:    logger,
	}
}

// ProgressHandler handles GET /api/sync/progress?user_id=
func (h *SyncHandler) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := RequireQuery(w, r, "user_id")
	if !ok {
		return
	}

	job, err := h.tracker.Read(r.Context(), userID)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("Progress read failed")
		WriteError(w, http.StatusServiceUnavailable, "progress store unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, job.View())
}

// ResetHandler handles POST /api/sync/reset
func (h *SyncHandler) ResetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req ResetRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "operator reset"
	}

	if req.Queued {
		envelope := models.NewResetEnvelope(req.UserID, req.Reason)
		id, _, err := h.queue.Enqueue(r.Context(), envelope.DedupKey(), envelope, h.options)
		if err != nil {
			h.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Failed to enqueue reset")
			WriteError(w, http.StatusServiceUnavailable, "failed to enqueue reset job")
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job_id": id})
		return
	}

	job, err := h.tracker.Reset(r.Context(), req.UserID, req.Reason)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Reset failed")
		WriteError(w, http.StatusServiceUnavailable, "progress store unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, job.View())
}
