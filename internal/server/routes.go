// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import "net/http"

// Handler configures and returns an http.Handler with all application routes.
// WebSocket upgrades are accepted on both "/" and "/ws".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.RootHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/healthz", HealthHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
