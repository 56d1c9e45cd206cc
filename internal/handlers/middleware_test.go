package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robusta-yield/pkg/logging"
)

func echoRequestID(w http.ResponseWriter, r *http.Request) {
	id, _ := logging.RequestID(r.Context())
	w.Write([]byte(id))
}

func TestRequestID(t *testing.T) {
	router := mux.NewRouter()
	router.Use(RequestID)
	router.HandleFunc("/", echoRequestID)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Body.String())
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(rec.Body.String())
	require.NoError(t, err, "a missing ID is replaced by a UUID")
}

func TestWithCORS(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/years", func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")
	h := WithCORS(router, []string{"http://localhost:3000"})

	req := httptest.NewRequest(http.MethodOptions, "/years", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/years", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
