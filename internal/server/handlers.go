// Package server exposes the HTTP handlers that sit next to the WebSocket
// endpoint: health checks and runtime stats.
package server

import (
	"encoding/json"
	"net/http"
)

// HealthHandler provides a simple health check endpoint.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// StatsHandler reports live room and session counts.
func (h *Hub) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	rooms, memberships := h.registry.Counts()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"rooms":       rooms,
		"memberships": memberships,
		"connections": h.ConnectionCount(),
	})
}
