package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// StoreChecker reports whether the job store is reachable.
type StoreChecker interface {
	Healthy() bool
}

// QueueStats reports the worker queue backlog.
type QueueStats interface {
	Len() int
	Outstanding() int
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	QueueDepth  int    `json:"queue_depth"`
	Outstanding int    `json:"outstanding"`
	UptimeSecs  int64  `json:"uptime_seconds"`
}

// HealthHandler serves the relay's liveness view.
type HealthHandler struct {
	store     StoreChecker
	queue     QueueStats
	startTime time.Time
}

// NewHealthHandler creates a health handler. store and queue may be nil.
func NewHealthHandler(store StoreChecker, queue QueueStats) *HealthHandler {
	return &HealthHandler{store: store, queue: queue, startTime: time.Now()}
}

// Health handles GET /health. It answers 503 when the store is unreachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Store:      "ok",
		UptimeSecs: int64(time.Since(h.startTime).Seconds()),
	}
	if h.queue != nil {
		resp.QueueDepth = h.queue.Len()
		resp.Outstanding = h.queue.Outstanding()
	}

	status := http.StatusOK
	if h.store != nil && !h.store.Healthy() {
		resp.Status = "degraded"
		resp.Store = "unavailable"
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
