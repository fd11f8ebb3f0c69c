package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Digest
	mux.HandleFunc("/api/digest/trigger", s.app.DigestHandler.TriggerHandler) // POST - forced send for the current period

	// API routes - Sync progress
	mux.HandleFunc("/api/sync/progress", s.app.SyncHandler.ProgressHandler)       // GET ?user_id=
	mux.HandleFunc("/api/sync/progress/ws", s.app.ProgressStream.HandleWebSocket) // WebSocket ?user_id=
	mux.HandleFunc("/api/sync/reset", s.app.SyncHandler.ResetHandler)             // POST - operator escape hatch

	// API routes - Unsubscribe (email link and one-click header)
	mux.HandleFunc("/api/unsubscribe", s.app.UnsubscribeHandler.UnsubscribeHandler) // GET/POST

	// API routes - Queue and scheduler
	mux.HandleFunc("/api/queue/stats", s.app.QueueHandler.StatsHandler)
	mux.HandleFunc("/api/scheduler/status", s.app.QueueHandler.SchedulerStatusHandler)
	mux.HandleFunc("/api/scheduler/run", s.app.QueueHandler.SchedulerRunHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}
