package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles service health and readiness checks
type HealthHandler struct {
	store        Pinger
	backend      string
	circuitState func() string
	queueDepth   func() int
	startTime    time.Time
	version      string
}

// NewHealthHandler creates a new health handler. circuitState may be nil when
// no HTTP egress is configured, queueDepth when there is no worker pool.
func NewHealthHandler(store Pinger, backend string, circuitState func() string, queueDepth func() int, version string) *HealthHandler {
	return &HealthHandler{
		store:        store,
		backend:      backend,
		circuitState: circuitState,
		queueDepth:   queueDepth,
		startTime:    time.Now(),
		version:      version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Timestamp     string `json:"timestamp"`
	Store         string `json:"store"`
	StoreBackend  string `json:"store_backend"`
	EgressCircuit string `json:"egress_circuit,omitempty"`
	QueueDepth    int    `json:"worker_queue_depth"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Ready bool   `json:"ready"`
	Store string `json:"store"`
}

func (h *HealthHandler) storeStatus(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		return "disconnected"
	}
	return "connected"
}

// Health returns the service health status
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Store:         h.storeStatus(r.Context()),
		StoreBackend:  h.backend,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	if h.circuitState != nil {
		response.EgressCircuit = h.circuitState()
	}
	if h.queueDepth != nil {
		response.QueueDepth = h.queueDepth()
	}

	writeJSON(w, http.StatusOK, response)
}

// Ready returns the service readiness status
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := h.storeStatus(r.Context())
	ready := status == "connected"

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Ready: ready,
		Store: status,
	})
}
