package handler

import (
	"net/http"

	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

// EmissionHandler handles delivery log queries
type EmissionHandler struct {
	logs store.EmissionLogStore
}

// NewEmissionHandler creates a new emission handler
func NewEmissionHandler(logs store.EmissionLogStore) *EmissionHandler {
	return &EmissionHandler{
		logs: logs,
	}
}

// EmissionListResponse represents emission list response
type EmissionListResponse struct {
	Total   int64                   `json:"total"`
	Page    int                     `json:"page"`
	Limit   int                     `json:"limit"`
	Results []model.EmissionSummary `json:"results"`
}

// List handles GET /api/v1/emissions
func (h *EmissionHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := model.EmissionFilter{
		RunID:       r.URL.Query().Get("run_id"),
		FinalStatus: r.URL.Query().Get("status"),
	}
	page := parseQueryInt(r, "page", 1)
	limit := parseQueryInt(r, "limit", 20)

	// Enforce max limit
	if limit > 100 {
		limit = 100
	}

	logs, total, err := h.logs.List(r.Context(), filter, page, limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	summaries := make([]model.EmissionSummary, 0, len(logs))
	for i := range logs {
		summaries = append(summaries, logs[i].ToSummary())
	}

	writeJSON(w, http.StatusOK, EmissionListResponse{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Results: summaries,
	})
}

// Get handles GET /api/v1/emissions/{key}
func (h *EmissionHandler) Get(w http.ResponseWriter, r *http.Request) {
	emissionLog, err := h.logs.GetByIdempotencyKey(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, emissionLog)
}
