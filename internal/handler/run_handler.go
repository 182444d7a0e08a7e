package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/dandantas/gatekeeper/internal/coordinator"
	"github.com/dandantas/gatekeeper/internal/store"
)

// Redriver re-attempts delivery of a completed run
type Redriver interface {
	Redrive(ctx context.Context, runID string) (coordinator.Result, error)
}

// RunHandler exposes run state to operators
type RunHandler struct {
	runs     store.RunStore
	redriver Redriver
}

// NewRunHandler creates a new run handler
func NewRunHandler(runs store.RunStore, redriver Redriver) *RunHandler {
	return &RunHandler{
		runs:     runs,
		redriver: redriver,
	}
}

// Get handles GET /api/v1/runs/{id}
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	st, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// Delete handles DELETE /api/v1/runs/{id}. It removes the record outright,
// tombstone included, so a later event for the same run starts afresh.
func (h *RunHandler) Delete(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	if err := h.runs.Delete(r.Context(), runID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Redrive handles POST /api/v1/runs/{id}/redrive
func (h *RunHandler) Redrive(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	res, err := h.redriver.Redrive(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found or already closed")
			return
		}
		writeJSON(w, statusFor(err), EventResponse{Result: res, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, res)
}
