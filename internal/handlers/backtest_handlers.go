package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"robusta-yield/internal/models"
	"robusta-yield/internal/repository"
	"robusta-yield/internal/validation"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

// BacktestHandler serves stored validation runs.
type BacktestHandler struct {
	responder
	runs repository.BacktestRepository
}

// RunDetail is a stored run with its per-year results.
type RunDetail struct {
	*models.BacktestRun
	Results []models.FoldResult `json:"results"`
}

// NewBacktestHandler creates a new backtest handler
func NewBacktestHandler(runs repository.BacktestRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *BacktestHandler {
	return &BacktestHandler{
		responder: responder{logger: logger, metrics: metricsCollector},
		runs:      runs,
	}
}

// ListRuns handles GET /api/backtests?protocol=loyo&limit=20
func (h *BacktestHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/backtests"
	defer h.observe(endpoint)()

	protocol := ""
	if raw := r.URL.Query().Get("protocol"); raw != "" {
		p, err := validation.ParseProtocol(raw)
		if err != nil {
			h.sendError(w, r, endpoint, err.Error(), http.StatusBadRequest)
			return
		}
		protocol = p.String()
	}
	limit, ok := queryInt(r, "limit", 20)
	if !ok || limit < 1 || limit > 500 {
		h.sendError(w, r, endpoint, "limit must be an integer between 1 and 500", http.StatusBadRequest)
		return
	}

	runs, err := h.runs.ListRuns(r.Context(), protocol, limit)
	if err != nil {
		h.sendServiceError(w, r, endpoint, err)
		return
	}
	h.sendOK(w, r, endpoint, runs)
}

// GetRun handles GET /api/backtests/{id}
func (h *BacktestHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/backtests/{id}"
	defer h.observe(endpoint)()

	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		h.sendError(w, r, endpoint, "id must be a UUID", http.StatusBadRequest)
		return
	}

	run, results, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		h.sendServiceError(w, r, endpoint, err)
		return
	}
	h.sendOK(w, r, endpoint, RunDetail{BacktestRun: run, Results: results})
}

// RegisterRoutes registers the backtest routes
func (h *BacktestHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/backtests", h.ListRuns).Methods("GET")
	router.HandleFunc("/api/backtests/{id}", h.GetRun).Methods("GET")
}
