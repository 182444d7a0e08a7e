package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dandantas/gatekeeper/internal/coordinator"
	"github.com/dandantas/gatekeeper/internal/ingress"
	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/worker"
	"github.com/dandantas/gatekeeper/pkg/middleware"
)

// EventProcessor applies one normalized event to its run
type EventProcessor interface {
	Handle(ctx context.Context, ev model.Event) (coordinator.Result, error)
}

// EventHandler receives branch notifications
type EventHandler struct {
	normalizer *ingress.Normalizer
	processor  EventProcessor
	pool       *worker.WorkerPool
	maxBody      int64
	maxBatch     int
	maxBatchBody int64
}

// NewEventHandler creates a new event handler. maxBody bounds a single
// notification, maxBatchBody a whole batch request.
func NewEventHandler(normalizer *ingress.Normalizer, processor EventProcessor, pool *worker.WorkerPool, maxBody int64, maxBatch int, maxBatchBody int64) *EventHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if maxBatchBody <= 0 {
		maxBatchBody = 10 << 20
	}
	return &EventHandler{
		normalizer:   normalizer,
		processor:    processor,
		pool:         pool,
		maxBody:      maxBody,
		maxBatch:     maxBatch,
		maxBatchBody: maxBatchBody,
	}
}

// EventResponse is the body of a processed or queued notification
type EventResponse struct {
	coordinator.Result
	CorrelationID string `json:"correlation_id"`
	Queued        bool   `json:"queued,omitempty"`
	Error         string `json:"error,omitempty"`
}

// BatchItemResult represents a single notification result in a batch
type BatchItemResult struct {
	Index   int                 `json:"index"`
	RunID   string              `json:"run_id,omitempty"`
	Kind    model.Kind          `json:"kind,omitempty"`
	Outcome coordinator.Outcome `json:"outcome,omitempty"`
	Status  model.Status        `json:"status,omitempty"`
	Emitted bool                `json:"emitted"`
	Code    int                 `json:"code"`
	Error   string              `json:"error,omitempty"`
}

// BatchResponse represents batch processing response
type BatchResponse struct {
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []BatchItemResult `json:"results"`
}

func (h *EventHandler) normalize(r *http.Request, raw []byte) (model.Event, error) {
	ev, err := h.normalizer.Normalize(raw)
	if err != nil {
		return ev, err
	}
	ev.CorrelationID = middleware.GetCorrelationID(r.Context())
	return ev, nil
}

// Ingest handles POST /api/v1/events
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ev, err := h.normalize(r, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	correlationID := middleware.GetCorrelationID(r.Context())

	if parseQueryBool(r, "async") {
		job := worker.Job{Event: ev, Context: context.WithoutCancel(r.Context()), Async: true}
		if err := h.pool.Submit(job); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, EventResponse{
			Result:        coordinator.Result{RunID: ev.RunID, Kind: ev.Kind},
			CorrelationID: correlationID,
			Queued:        true,
		})
		return
	}

	res, err := h.processor.Handle(r.Context(), ev)
	resp := EventResponse{Result: res, CorrelationID: correlationID}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// IngestBatch handles POST /api/v1/events/batch. The body is a JSON array of
// notifications; each item is normalized and processed independently.
func (h *EventHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var items []json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBatchBody)).Decode(&items); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "at least one notification is required")
		return
	}
	if len(items) > h.maxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "too many notifications in batch")
		return
	}

	results := make([]BatchItemResult, len(items))
	events := make([]model.Event, 0, len(items))
	positions := make([]int, 0, len(items))

	for i, raw := range items {
		results[i].Index = i
		ev, err := h.normalize(r, raw)
		if err != nil {
			results[i].Code = http.StatusBadRequest
			results[i].Error = err.Error()
			continue
		}
		events = append(events, ev)
		positions = append(positions, i)
	}

	for j, out := range h.pool.Process(r.Context(), events) {
		item := &results[positions[j]]
		item.RunID = events[j].RunID
		item.Kind = events[j].Kind
		item.Outcome = out.Result.Outcome
		item.Status = out.Result.Status
		item.Emitted = out.Result.Emitted
		item.Code = http.StatusAccepted
		if out.Error != nil {
			item.Code = statusFor(out.Error)
			if errors.Is(out.Error, worker.ErrPoolStopped) {
				item.Code = http.StatusServiceUnavailable
			}
			item.Error = out.Error.Error()
		}
	}

	response := BatchResponse{Total: len(items), Results: results}
	for _, item := range results {
		if item.Error == "" {
			response.Successful++
		} else {
			response.Failed++
		}
	}

	writeJSON(w, http.StatusOK, response)
}
