package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robusta-yield/internal/features"
	"robusta-yield/internal/model"
	"robusta-yield/internal/models"
	"robusta-yield/internal/services"
	"robusta-yield/internal/synthetic"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

type fixture struct {
	router  *mux.Router
	metrics *metrics.Collector
	data    *services.MemoryDataset
	est     *model.Estimator
	runs    *memoryRuns
}

type memoryRuns struct {
	runs    []*models.BacktestRun
	results []models.FoldResult
}

func (r *memoryRuns) SaveRun(ctx context.Context, run *models.BacktestRun, results []models.FoldResult) error {
	r.runs = append(r.runs, run)
	r.results = results
	return nil
}

func (r *memoryRuns) GetRun(ctx context.Context, id string) (*models.BacktestRun, []models.FoldResult, error) {
	for _, run := range r.runs {
		if run.ID == id {
			return run, r.results, nil
		}
	}
	return nil, nil, &models.NotFoundError{Resource: "backtest_run", ID: id}
}

func (r *memoryRuns) ListRuns(ctx context.Context, protocol string, limit int) ([]*models.BacktestRun, error) {
	var out []*models.BacktestRun
	for _, run := range r.runs {
		if protocol == "" || run.Protocol == protocol {
			out = append(out, run)
		}
	}
	return out, nil
}

func newFixture(t *testing.T, withModel bool) *fixture {
	t.Helper()
	logger := logging.NewStructuredLogger("handlers-test", "test", logging.ErrorLevel)
	logger.SetOutput(io.Discard)
	m := metrics.NewCollector("test", prometheus.NewRegistry())

	ds := synthetic.Generate(synthetic.HighlandProfile(2000, 2010, 21))
	yields := synthetic.ResponsiveYields(ds, 2000, 2010, 4)
	table, err := features.Extract(ds.Daily, features.DefaultExtractorConfig(false))
	require.NoError(t, err)
	data := &services.MemoryDataset{Table: table, Labels: yields, Daily: ds.Daily}

	var est *model.Estimator
	if withModel {
		set, err := models.JoinYields(table, yields)
		require.NoError(t, err)
		p := model.DefaultParams()
		p.NEstimators = 30
		est, err = model.Train(set, features.DefaultModelFeatures(), set.Years, model.BoostingFactory(p))
		require.NoError(t, err)
	}

	predictions := services.NewPredictionService(data, est, logger, m)
	stats := services.NewStatisticsService(data, logger, m)
	runs := &memoryRuns{}

	router := mux.NewRouter()
	NewYieldHandler(predictions, stats, data, logger, m).RegisterRoutes(router)
	NewBacktestHandler(runs, logger, m).RegisterRoutes(router)
	RegisterDocs(router)
	return &fixture{router: router, metrics: m, data: data, est: est, runs: runs}
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestPredictYear(t *testing.T) {
	f := newFixture(t, true)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"known year", "/predict-year?year=2005", http.StatusOK},
		{"missing year", "/predict-year", http.StatusBadRequest},
		{"malformed year", "/predict-year?year=abc", http.StatusBadRequest},
		{"year without features", "/predict-year?year=1980", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}

	rec := f.do(t, http.MethodGet, "/predict-year?year=2005", nil)
	var p services.Prediction
	decode(t, rec, &p)
	assert.Equal(t, 2005, p.Year)
	assert.Less(t, p.ConfidenceLower, p.PredictedYield)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.APIRequestsTotal.WithLabelValues("/predict-year", "GET", "200")))
}

func TestPredictCustom(t *testing.T) {
	f := newFixture(t, true)

	values := make(map[string]float64)
	for _, name := range f.est.Features {
		v, _ := f.data.Table.Value(2003, name)
		values[name] = v
	}
	body, err := json.Marshal(values)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/predict-custom", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/predict-custom", strings.NewReader(`{"rain_bloom": 120}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var e ErrorResponse
	decode(t, rec, &e)
	assert.Contains(t, e.Message, "feature")

	rec = f.do(t, http.MethodPost, "/predict-custom", strings.NewReader(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/predict-custom", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPredictScenario(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, http.MethodGet, "/predict-scenario?year=2028&scenario=severe_drought", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sp services.ScenarioPrediction
	decode(t, rec, &sp)
	assert.Equal(t, 2010, sp.BaseYear)
	assert.Equal(t, "severe_drought", sp.Scenario)

	rec = f.do(t, http.MethodGet, "/predict-scenario?year=2028", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &sp)
	assert.Equal(t, "normal", sp.Scenario)

	rec = f.do(t, http.MethodGet, "/predict-scenario?year=2028&scenario=hail", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []services.Scenario
	decode(t, rec, &list)
	assert.Len(t, list, 6)
}

func TestReadEndpoints(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, http.MethodGet, "/feature-importance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var imp services.FeatureImportance
	decode(t, rec, &imp)
	assert.Equal(t, f.est.Features, imp.Features)

	rec = f.do(t, http.MethodGet, "/yield-history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist services.YieldHistory
	decode(t, rec, &hist)
	assert.Len(t, hist.Years, 11)

	rec = f.do(t, http.MethodGet, "/weather-trend?columns=rain_bloom,%20SPI_drought", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trend services.WeatherTrend
	decode(t, rec, &trend)
	assert.Len(t, trend.Series, 2)
	assert.Len(t, trend.Weather, 11)

	rec = f.do(t, http.MethodGet, "/weather-trend?columns=unknown", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/years", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var years services.AvailableYears
	decode(t, rec, &years)
	assert.Equal(t, 2000, years.MinYear)
	assert.Len(t, years.WithYield, 11)
}

func TestGetObservations(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, http.MethodGet, "/api/weather?start_date=2005-03-01&end_date=2005-03-31&limit=10&page=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data  []models.DailyObservation `json:"data"`
		Count int                       `json:"count"`
		Page  int                       `json:"page"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, 10, resp.Count)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 11, resp.Data[0].Date.Day())

	rec = f.do(t, http.MethodGet, "/api/weather?start_date=March", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithoutModel(t *testing.T) {
	f := newFixture(t, false)

	for _, target := range []string{"/predict-year?year=2005", "/feature-importance", "/yield-history", "/predict-scenario?year=2005"} {
		rec := f.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
	}

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var h map[string]interface{}
	decode(t, rec, &h)
	assert.Equal(t, "degraded", h["status"])
	assert.Equal(t, false, h["model_loaded"])
	assert.NotEmpty(t, h["timestamp"])
}

func TestBacktestEndpoints(t *testing.T) {
	f := newFixture(t, true)
	id := uuid.New().String()
	mape := 6.5
	f.runs.runs = append(f.runs.runs, &models.BacktestRun{ID: id, Protocol: "loyo", MAPE: &mape})
	f.runs.results = []models.FoldResult{models.NewFoldResult(2005, 2.0, 2.1)}

	rec := f.do(t, http.MethodGet, "/api/backtests?protocol=LOYO", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []models.BacktestRun
	decode(t, rec, &runs)
	require.Len(t, runs, 1)

	rec = f.do(t, http.MethodGet, "/api/backtests?protocol=kfold", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/backtests/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		ID      string              `json:"id"`
		Results []models.FoldResult `json:"results"`
	}
	decode(t, rec, &detail)
	assert.Equal(t, id, detail.ID)
	assert.Len(t, detail.Results, 1)

	rec = f.do(t, http.MethodGet, "/api/backtests/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/backtests/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocs(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/docs/openapi.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var openapi map[string]interface{}
	decode(t, rec, &openapi)
	paths := openapi["paths"].(map[string]interface{})
	for _, p := range []string{"/predict-year", "/predict-custom", "/predict-scenario", "/feature-importance", "/yield-history", "/weather-trend", "/years", "/health"} {
		assert.Contains(t, paths, p)
	}

	rec = f.do(t, http.MethodGet, "/api/docs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi.json")
	assert.Contains(t, rec.Body.String(), "swagger-ui")
}
