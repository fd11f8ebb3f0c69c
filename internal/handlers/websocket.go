package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/models"
	"golang.org/x/time/rate"
)

const (
	defaultPollInterval = time.Second
	writeWait           = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the frame sent to progress stream clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ProgressReader reads a user's current progress record
type ProgressReader interface {
	Read(ctx context.Context, userID string) (*models.SyncJob, error)
}

// ProgressStreamHandler pushes progress changes over a websocket until the run
// reaches a terminal state or the client goes away
type ProgressStreamHandler struct {
	reader       ProgressReader
	pollInterval time.Duration
	logger       arbor.ILogger

	mu      sync.RWMutex
	clients map[string]int // Open streams per user
}

// NewProgressStreamHandler creates a stream handler polling at interval
func NewProgressStreamHandler(reader ProgressReader, interval time.Duration, logger arbor.ILogger) *ProgressStreamHandler {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &ProgressStreamHandler{
		reader:       reader,
		pollInterval: interval,
		logger:       logger,
		clients:      make(map[string]int),
	}
}

// ClientCount returns the number of open streams
func (h *ProgressStreamHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, n := range h.clients {
		total += n
	}
	return total
}

// HandleWebSocket handles GET /api/sync/progress/ws?user_id=
func (h *ProgressStreamHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := RequireQuery(w, r, "user_id")
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	streamID := uuid.New().String()
	logger := h.logger.WithCorrelationId(streamID)

	h.track(userID, 1)
	logger.Debug().Str("user_id", userID).Int("clients", h.ClientCount()).Msg("WebSocket client connected")

	defer func() {
		h.track(userID, -1)
		conn.Close()
		logger.Debug().Str("user_id", userID).Int("clients", h.ClientCount()).Msg("WebSocket client disconnected")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine only detects the client closing
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("WebSocket error")
				}
				return
			}
		}
	}()

	h.stream(ctx, conn, userID, logger)
}

// stream polls the tracker and writes a frame whenever the view changes
func (h *ProgressStreamHandler) stream(ctx context.Context, conn *websocket.Conn, userID string, logger arbor.ILogger) {
	limiter := rate.NewLimiter(rate.Every(h.pollInterval), 1)
	var last *models.ProgressView

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		job, err := h.reader.Read(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Str("user_id", userID).Msg("Progress read failed")
			if !h.write(conn, WSMessage{Type: "error", Payload: map[string]string{"error": "progress store unavailable"}}) {
				return
			}
			continue
		}

		view := job.View()
		if last != nil && sameView(*last, view) {
			continue
		}
		last = &view

		if !h.write(conn, WSMessage{Type: "progress", Payload: view}) {
			return
		}

		if job.IsTerminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (h *ProgressStreamHandler) write(conn *websocket.Conn, msg WSMessage) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to write progress frame")
		return false
	}
	return true
}

func (h *ProgressStreamHandler) track(userID string, delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[userID] += delta
	if h.clients[userID] <= 0 {
		delete(h.clients, userID)
	}
}

func sameView(a, b models.ProgressView) bool {
	if a.Status != b.Status || a.Stage != b.Stage || a.ErrorCode != b.ErrorCode {
		return false
	}
	if (a.ProgressPercent == nil) != (b.ProgressPercent == nil) {
		return false
	}
	if a.ProgressPercent != nil && *a.ProgressPercent != *b.ProgressPercent {
		return false
	}
	if (a.UpdatedAt == nil) != (b.UpdatedAt == nil) {
		return false
	}
	return a.UpdatedAt == nil || a.UpdatedAt.Equal(*b.UpdatedAt)
}
