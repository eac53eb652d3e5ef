// Package server wires HTTP handlers into a ServeMux via routing helpers.
package server

import "net/http"

// Routes returns a ServeMux with the websocket endpoint, the stats and
// health endpoints and the Prometheus scrape endpoint.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("GET /stats", s.StatsHandler)
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}
