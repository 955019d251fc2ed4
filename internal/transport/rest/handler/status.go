package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/service"
)

// StatusHandler serves the read-only health and status endpoints
type StatusHandler struct {
	pairing    *service.PairingService
	conns      service.ConnectionCounter
	instanceID string
	startedAt  time.Time
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(pairing *service.PairingService, conns service.ConnectionCounter, instanceID string, startedAt time.Time) *StatusHandler {
	return &StatusHandler{
		pairing:    pairing,
		conns:      conns,
		instanceID: instanceID,
		startedAt:  startedAt,
	}
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status        string `json:"status"`
	Instance      string `json:"instance,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
	Sessions      int    `json:"sessions"`
	Disconnected  int    `json:"disconnected"`
	ActiveCodes   int    `json:"active_codes"`
	Pairings      int    `json:"pairings"`
}

// Health handles GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats := service.CollectStats(h.pairing, h.conns)
	writeJSON(w, http.StatusOK, &StatusResponse{
		Status:        "ok",
		Instance:      h.instanceID,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Connections:   stats.Connections,
		Sessions:      stats.Sessions,
		Disconnected:  stats.Disconnected,
		ActiveCodes:   stats.ActiveCodes,
		Pairings:      stats.Pairings,
	})
}

// NotFound answers unknown routes with a JSON error
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
