package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

// SetupRoutes returns a router with every application route bound to h.
// /metrics is only registered when m is non-nil.
func SetupRoutes(h *Hub, m *metrics.Registry) *httprouter.Router {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/", InfoHandler)
	router.HandlerFunc(http.MethodGet, "/health", h.HealthHandler)
	router.HandlerFunc(http.MethodGet, "/presence/:user_id", h.PresenceHandler)
	router.HandlerFunc(http.MethodGet, "/ws", h.WebSocketHandler)
	router.HandlerFunc(http.MethodGet, "/test", TestPageHandler)
	if m != nil {
		router.HandlerFunc(http.MethodGet, "/metrics", MetricsHandler(m))
	}
	return router
}
