package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks a dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles service health and readiness checks
type HealthHandler struct {
	db        Pinger
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler. db may be nil when the
// service runs without MongoDB.
func NewHealthHandler(db Pinger, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Timestamp     string `json:"timestamp"`
	MongoDB       string `json:"mongodb"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	MongoDB string `json:"mongodb"`
}

func (h *HealthHandler) mongoStatus(ctx context.Context) string {
	if h.db == nil {
		return "disabled"
	}
	if err := h.db.Ping(ctx); err != nil {
		return "disconnected"
	}
	return "connected"
}

// Health returns the service health status
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		MongoDB:       h.mongoStatus(r.Context()),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready returns the service readiness status
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	mongoStatus := h.mongoStatus(r.Context())
	ready := mongoStatus != "disconnected"

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Ready:   ready,
		MongoDB: mongoStatus,
	})
}
