package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/queue"
	"github.com/ternarybob/ideadigest/internal/services/scheduler"
)

// QueueStatser reports queue counts
type QueueStatser interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// QueueHandler exposes queue counts and the scheduler
type QueueHandler struct {
	queue     QueueStatser
	scheduler *scheduler.Service
	logger    arbor.ILogger
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(stats QueueStatser, schedulerService *scheduler.Service, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{queue: stats, scheduler: schedulerService, logger: logger}
}

// StatsHandler handles GET /api/queue/stats
func (h *QueueHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Queue stats failed")
		WriteError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// SchedulerStatusHandler handles GET /api/scheduler/status
func (h *QueueHandler) SchedulerStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.scheduler.Status())
}

// SchedulerRunHandler handles POST /api/scheduler/run, an out-of-schedule
// pass for the current period. Jobs already queued are not duplicated.
func (h *QueueHandler) SchedulerRunHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	summary, err := h.scheduler.RunOnce(r.Context(), time.Now())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Scheduler pass had failures")
		WriteJSON(w, http.StatusMultiStatus, map[string]interface{}{
			"status":  "partial",
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}
