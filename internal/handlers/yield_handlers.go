package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"robusta-yield/internal/repository"
	"robusta-yield/internal/services"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// YieldHandler handles the prediction and data API endpoints
type YieldHandler struct {
	responder
	predictions *services.PredictionService
	stats       *services.StatisticsService
	data        services.Dataset
}

// NewYieldHandler creates a new yield handler
func NewYieldHandler(
	predictions *services.PredictionService,
	stats *services.StatisticsService,
	data services.Dataset,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *YieldHandler {
	return &YieldHandler{
		responder:   responder{logger: logger, metrics: metricsCollector},
		predictions: predictions,
		stats:       stats,
		data:        data,
	}
}

// PredictYear handles GET /predict-year?year=2020
func (h *YieldHandler) PredictYear(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/predict-year"
	defer h.observe(endpoint)()

	year, ok := queryInt(r, "year", 0)
	if !ok || year == 0 {
		h.sendError(w, r, endpoint, "year is required and must be an integer", http.StatusBadRequest)
		return
	}

	p, err := h.predictions.PredictYear(r.Context(), year)
	if err != nil {
		h.sendServiceError(w, r, endpoint, err)
		return
	}
	h.sendOK(w, r, endpoint, p)
}

// PredictCustom handles POST /predict-custom with a JSON object of feature values.
func (h *YieldHandler) PredictCustom(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/predict-custom"
	defer h.observe(endpoint)()

	var values map[string]float64
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&values); err != nil {
		h.sendError(w, r, endpoint, "body must be a JSON object of numeric feature values", http.StatusBadRequest)
		return
	}

	p, err := h.predictions.PredictCustom(r.Context(), values)
	if err != nil {
		h.sendServiceError(w, r, endpoint, err)
		return
	}
	h.sendOK(w, r, endpoint, p)
}

// PredictScenario handles GET /predict-scenario?year=2026&scenario=el_nino
func (h *YieldHandler) PredictScenario(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/predict-scenario"
	defer h.observe(endpoint)()

	year, ok := queryInt(r, "year", 0)
	if !ok || year == 0 {
		h.sendError(w, r, endpoint, "year is required and must be an integer", http.StatusBadRequest)
		return
	}
	scenario := r.URL.Query().Get("scenario")
	if scenario == "" {
		scenario = "normal"
	}

	p, err := h.predictions.PredictScenario(r.Context(), year, scenario, r.URL.Query().Get("province"))
	if err != nil {
		h.sendServiceError(w, r, endpoint, err)
		return
	}
	h.sendOK(w, r, endpoint, p)
}

// ListScenarios handles GET /scenarios
func (h *YieldHandler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	h.sendOK(w, r, "/scenarios", services.Scenarios())
}

// FeatureImportance handles GET /feature-importance
func (h *YieldHandler) FeatureImportance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/feature-importance"
	defer h.observe(endpoint)()

	imp, err := h.predictions.FeatureImportance(r.Context())
	if err != nil {
		h.sendServiceError(w, r, endpoint, err)
		return
	}
	h.sendOK(w, r, endpoint, imp)
}

// YieldHistory handles GET /yield-history
func (h *YieldHandler) YieldHistory(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/yield-history"
	defer h.observe(endpoint)()

	hist, err := h.predictions.YieldHistory(r.Context())
	if err != nil {
		h.sendServiceError(w, r, endpoint, err)
		return
	}
	h.sendOK(w, r, endpoint, hist)
}

// WeatherTrend handles GET /weather-trend?columns=rain_bloom,SPI_drought
func (h *YieldHandler) WeatherTrend(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/weather-trend"
	defer h.observe(endpoint)()

	var columns []string
	if raw := r.URL.Query().Get("columns"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				columns = append(columns, c)
			}
		}
	}

	trend, err := h.stats.WeatherTrend(r.Context(), columns)
	if err != nil {
		h.sendServiceError(w, r, endpoint, err)
		return
	}
	h.sendOK(w, r, endpoint, trend)
}

// Years handles GET /years
func (h *YieldHandler) Years(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/years"
	defer h.observe(endpoint)()

	years, err := h.stats.Years(r.Context())
	if err != nil {
		h.sendServiceError(w, r, endpoint, err)
		return
	}
	h.sendOK(w, r, endpoint, years)
}

// GetObservations handles GET /api/weather
func (h *YieldHandler) GetObservations(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/weather"
	defer h.observe(endpoint)()

	// Default pagination
	page, limit := 1, 100
	if p, ok := queryInt(r, "page", 1); ok && p > 0 {
		page = p
	}
	if l, ok := queryInt(r, "limit", 100); ok && l > 0 && l <= 1000 {
		limit = l
	}

	filter := repository.ObservationFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}
	if s := r.URL.Query().Get("start_date"); s != "" {
		startDate, err := time.Parse("2006-01-02", s)
		if err != nil {
			h.sendError(w, r, endpoint, "invalid start_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.StartDate = &startDate
	}
	if s := r.URL.Query().Get("end_date"); s != "" {
		endDate, err := time.Parse("2006-01-02", s)
		if err != nil {
			h.sendError(w, r, endpoint, "invalid end_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.EndDate = &endDate
	}

	observations, err := h.data.Observations(r.Context(), filter)
	if err != nil {
		h.sendServiceError(w, r, endpoint, err)
		return
	}
	h.sendOK(w, r, endpoint, PaginatedResponse{
		Data:  observations,
		Count: len(observations),
		Page:  page,
		Limit: limit,
	})
}

// HealthCheck handles GET /health
func (h *YieldHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health := h.predictions.Health(ctx)

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{"status": health.Status})
	h.sendOK(w, r, "/health", struct {
		*services.Health
		Timestamp string `json:"timestamp"`
	}{health, time.Now().UTC().Format(time.RFC3339)})
}

// RegisterRoutes registers all prediction and data routes
func (h *YieldHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/predict-year", h.PredictYear).Methods("GET")
	router.HandleFunc("/predict-custom", h.PredictCustom).Methods("POST")
	router.HandleFunc("/predict-scenario", h.PredictScenario).Methods("GET")
	router.HandleFunc("/scenarios", h.ListScenarios).Methods("GET")
	router.HandleFunc("/feature-importance", h.FeatureImportance).Methods("GET")
	router.HandleFunc("/yield-history", h.YieldHistory).Methods("GET")
	router.HandleFunc("/weather-trend", h.WeatherTrend).Methods("GET")
	router.HandleFunc("/years", h.Years).Methods("GET")
	router.HandleFunc("/api/weather", h.GetObservations).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
