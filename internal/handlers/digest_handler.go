package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/queue"
)

// JobEnqueuer is the queue surface used by the trigger endpoints
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobKey string, envelope models.JobEnvelope, opts queue.EnqueueOptions) (string, bool, error)
}

// TriggerRequest is the body of POST /api/digest/trigger
type TriggerRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	IdeaCount int    `json:"idea_count" validate:"omitempty,gte=1,lte=50"`
	PeriodKey string `json:"period_key" validate:"omitempty,periodkey"`
}

// DigestHandler enqueues manual digest sends
type DigestHandler struct {
	queue            JobEnqueuer
	users            interfaces.UserDirectory
	validator        *models.EnvelopeValidator
	options          queue.EnqueueOptions
	location         *time.Location
	defaultIdeaCount int
	logger           arbor.ILogger
	now              func() time.Time
}

// NewDigestHandler creates a new digest handler
func NewDigestHandler(
	jobs JobEnqueuer,
	users interfaces.UserDirectory,
	options queue.EnqueueOptions,
	location *time.Location,
	defaultIdeaCount int,
	logger arbor.ILogger,
) *DigestHandler {
	if location == nil {
		location = time.UTC
	}
	return &DigestHandler{
		queue:            jobs,
		users:            users,
		validator:        models.NewEnvelopeValidator(),
		options:          options,
		location:         location,
		defaultIdeaCount: defaultIdeaCount,
		logger:           logger,
		now:              time.Now,
	}
}

// TriggerHandler handles POST /api/digest/trigger. The job is forced, so it
// resends a digest that already went out this period.
func (h *DigestHandler) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req TriggerRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.users.GetUser(r.Context(), req.UserID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		WriteError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Failed to load user for trigger")
		WriteError(w, http.StatusServiceUnavailable, "user directory unavailable")
		return
	}

	count := req.IdeaCount
	if count == 0 {
		count = user.IdeaCount
	}
	if count <= 0 {
		count = h.defaultIdeaCount
	}

	period := req.PeriodKey
	if period == "" {
		period = common.PeriodKey(h.now(), h.location)
	}

	envelope := models.NewManualTriggerEnvelope(user.UserID, period, count)
	id, enqueued, err := h.queue.Enqueue(r.Context(), envelope.DedupKey(), envelope, h.options)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.UserID).Msg("Failed to enqueue manual trigger")
		WriteError(w, http.StatusServiceUnavailable, "failed to enqueue digest job")
		return
	}

	h.logger.Info().
		Str("user_id", user.UserID).
		Str("period", period).
		Str("job_id", id).
		Bool("enqueued", enqueued).
		Msg("Manual digest trigger")

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "queued",
		"job_id":     id,
		"period_key": period,
		"idea_count": count,
		"duplicate":  !enqueued,
	})
}
