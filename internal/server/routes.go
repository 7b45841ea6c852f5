// Package server wires HTTP handlers into a ServeMux for the persistence
// endpoint via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// It sets up handlers for the health check and the WebSocket endpoint.
func SetupRoutes(hub *Hub, db Pinger) *http.ServeMux {
	health := HealthHandler(db, hub.log)

	mux := http.NewServeMux()
	mux.HandleFunc("/", health)
	mux.HandleFunc("/health", health)
	mux.HandleFunc("/ws", WebSocketHandler(hub))
	return mux
}
