package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"robusta-yield/internal/models"
	"robusta-yield/internal/services"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data  interface{} `json:"data"`
	Count int         `json:"count"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

// responder holds the JSON and metrics plumbing shared by every handler.
type responder struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// observe starts the latency timer for endpoint; call the result when done.
func (h *responder) observe(endpoint string) func() {
	startTime := time.Now()
	return func() {
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}
}

// sendOK records a successful request and writes data.
func (h *responder) sendOK(w http.ResponseWriter, r *http.Request, endpoint string, data interface{}) {
	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, data, http.StatusOK)
}

// sendJSON sends a JSON response
func (h *responder) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *responder) sendError(w http.ResponseWriter, r *http.Request, endpoint, message string, statusCode int) {
	h.metrics.RecordAPIRequest(endpoint, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// sendServiceError maps a service error to its HTTP status. Unclassified
// errors are logged and reported as 500 without their text.
func (h *responder) sendServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var (
		notFound   *models.NotFoundError
		invalid    *models.ValidationError
		mismatch   *models.FeatureColumnMismatchError
		missingCol *models.MissingColumnError
	)
	switch {
	case errors.Is(err, services.ErrModelNotLoaded):
		h.metrics.RecordAPIError("model_not_loaded", endpoint)
		h.sendError(w, r, endpoint, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &notFound):
		h.sendError(w, r, endpoint, err.Error(), http.StatusNotFound)
	case errors.As(err, &invalid), errors.As(err, &mismatch), errors.As(err, &missingCol):
		h.metrics.RecordAPIError("bad_request", endpoint)
		h.sendError(w, r, endpoint, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error(r.Context(), "[API_ERROR] Request failed", logging.Fields{
			"endpoint": endpoint,
			"method":   r.Method,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, endpoint, "internal error", http.StatusInternalServerError)
	}
}

// queryInt parses an optional integer query parameter. ok is false when the
// parameter is present but malformed.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
