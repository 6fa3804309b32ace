package core

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/visiona/argus/internal/types"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status        string                `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64                 `json:"uptime_seconds"`
	SessionsUp    int                   `json:"sessions_up"`
	SessionsTotal int                   `json:"sessions_total"`
	MQTTConnected bool                  `json:"mqtt_connected"`
	Sessions      []types.SessionStatus `json:"sessions,omitempty"`
}

// HealthCheck returns the current health status of the service
func (h *Hub) HealthCheck() HealthStatus {
	h.mu.RLock()
	started := h.started
	running := h.isRunning
	h.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(started).Seconds()),
	}

	sessions := h.Status()
	status.Sessions = sessions
	status.SessionsTotal = len(sessions)
	for _, s := range sessions {
		if s.State == types.StateStreaming.String() {
			status.SessionsUp++
		}
	}

	if h.emitter != nil && h.emitter.Client != nil && h.emitter.Client.IsConnected() {
		status.MQTTConnected = true
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case status.SessionsTotal > 0 && status.SessionsUp < status.SessionsTotal:
		status.Status = "degraded"
	case h.emitter != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (simple liveness check).
func (h *Hub) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	h.mu.RLock()
	started := h.started
	h.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness (detailed readiness check).
func (h *Hub) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := h.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}
