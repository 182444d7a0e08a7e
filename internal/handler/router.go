package handler

import (
	"expvar"
	"net/http"

	"github.com/dandantas/gatekeeper/pkg/middleware"
)

// Router handles HTTP routing
type Router struct {
	eventHandler    *EventHandler
	runHandler      *RunHandler
	emissionHandler *EmissionHandler
	healthHandler   *HealthHandler
}

// NewRouter creates a new router
func NewRouter(
	eventHandler *EventHandler,
	runHandler *RunHandler,
	emissionHandler *EmissionHandler,
	healthHandler *HealthHandler,
) *Router {
	return &Router{
		eventHandler:    eventHandler,
		runHandler:      runHandler,
		emissionHandler: emissionHandler,
		healthHandler:   healthHandler,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	// Probes and counters
	mux.HandleFunc("GET /health", rt.healthHandler.Health)
	mux.HandleFunc("GET /ready", rt.healthHandler.Ready)
	mux.Handle("GET /debug/vars", expvar.Handler())

	// Ingress
	mux.HandleFunc("POST /api/v1/events", rt.eventHandler.Ingest)
	mux.HandleFunc("POST /api/v1/events/batch", rt.eventHandler.IngestBatch)

	// Operator endpoints
	mux.HandleFunc("GET /api/v1/runs/{id}", rt.runHandler.Get)
	mux.HandleFunc("DELETE /api/v1/runs/{id}", rt.runHandler.Delete)
	mux.HandleFunc("POST /api/v1/runs/{id}/redrive", rt.runHandler.Redrive)
	mux.HandleFunc("GET /api/v1/emissions", rt.emissionHandler.List)
	mux.HandleFunc("GET /api/v1/emissions/{key}", rt.emissionHandler.Get)

	handler := middleware.Recovery(mux)
	handler = middleware.Logging(handler)
	handler = middleware.CorrelationID(handler)

	return handler
}
