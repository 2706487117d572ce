// Package server wires HTTP handlers into a ServeMux for the
// collaboration service via routing helpers.
package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application
// routes: health check, stats, and the WebSocket endpoint.
func (h *Hub) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthHandler)
	mux.HandleFunc("/stats", h.StatsHandler)
	mux.HandleFunc("/ws/", h.ServeWS)
	return mux
}
