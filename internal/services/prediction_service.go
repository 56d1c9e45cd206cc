package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"robusta-yield/internal/model"
	"robusta-yield/internal/models"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

// Unit of every yield served by the API.
const YieldUnit = "ton/ha"

// predictionBand is the relative half-width of a point prediction's interval.
const predictionBand = 0.10

// ErrModelNotLoaded is returned by prediction paths when no estimator is loaded.
var ErrModelNotLoaded = errors.New("model not loaded")

// Scenario adjusts a baseline prediction for a weather outlook.
type Scenario struct {
	Name       string  `json:"name"`
	Label      string  `json:"label"`
	Multiplier float64 `json:"multiplier"`
	// Band is the relative half-width of the adjusted interval.
	Band float64 `json:"band"`
}

var scenarios = []Scenario{
	{Name: "normal", Label: "Normal weather", Multiplier: 1.00, Band: 0.08},
	{Name: "favorable", Label: "Favorable weather", Multiplier: 1.05, Band: 0.08},
	{Name: "el_nino", Label: "El Niño (drought)", Multiplier: 0.92, Band: 0.10},
	{Name: "la_nina", Label: "La Niña (excessive rain)", Multiplier: 0.95, Band: 0.10},
	{Name: "severe_drought", Label: "Severe drought", Multiplier: 0.85, Band: 0.12},
	{Name: "major_storm", Label: "Major storm", Multiplier: 0.88, Band: 0.12},
}

// Scenarios lists the supported scenarios.
func Scenarios() []Scenario {
	return append([]Scenario(nil), scenarios...)
}

// LookupScenario finds a scenario by name.
func LookupScenario(name string) (Scenario, error) {
	names := make([]string, len(scenarios))
	for i, s := range scenarios {
		if s.Name == name {
			return s, nil
		}
		names[i] = s.Name
	}
	return Scenario{}, &models.ValidationError{
		Field:   "scenario",
		Value:   name,
		Message: "available: " + strings.Join(names, ", "),
	}
}

// Prediction is a point estimate with its interval.
type Prediction struct {
	Year            int                 `json:"year"`
	PredictedYield  float64             `json:"predicted_yield"`
	ConfidenceLower float64             `json:"confidence_lower"`
	ConfidenceUpper float64             `json:"confidence_upper"`
	Unit            string              `json:"unit"`
	ActualYield     *float64            `json:"actual_yield,omitempty"`
	FeaturesUsed    map[string]*float64 `json:"features_used,omitempty"`
}

// ScenarioPrediction is a baseline prediction adjusted by a scenario.
type ScenarioPrediction struct {
	Crop            string  `json:"crop"`
	Province        string  `json:"province"`
	Year            int     `json:"year"`
	BaseYear        int     `json:"base_year"`
	Scenario        string  `json:"scenario"`
	ScenarioLabel   string  `json:"scenario_label"`
	PredictedYield  float64 `json:"predicted_yield_ton_ha"`
	ConfidenceLower float64 `json:"confidence_lower"`
	ConfidenceUpper float64 `json:"confidence_upper"`
	Unit            string  `json:"unit"`
	ConfidenceNote  string  `json:"confidence_note"`
}

// FeatureImportance pairs the trained features with the model's importance.
// Scores is empty when the model does not report importance.
type FeatureImportance struct {
	Features  []string  `json:"features"`
	Scores    []float64 `json:"importance_scores,omitempty"`
	Available bool      `json:"available"`
}

// YieldHistory holds in-sample predictions next to observed yields.
type YieldHistory struct {
	Years     []int      `json:"years"`
	Actual    []*float64 `json:"actual_yields"`
	Predicted []float64  `json:"predicted_yields"`
}

// Health describes what the serving process has loaded.
type Health struct {
	Status         string `json:"status"`
	ModelLoaded    bool   `json:"model_loaded"`
	FeatureCount   int    `json:"feature_count"`
	FeaturesLoaded bool   `json:"features_loaded"`
	DataYearsRange string `json:"data_years_range,omitempty"`
	TotalYears     int    `json:"total_years"`
	Database       string `json:"database"`
}

// PredictionService answers point and scenario queries with a loaded estimator.
type PredictionService struct {
	data      Dataset
	estimator *model.Estimator
	province  string
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewPredictionService creates a prediction service. estimator may be nil;
// prediction paths then fail with ErrModelNotLoaded.
func NewPredictionService(data Dataset, estimator *model.Estimator, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *PredictionService {
	return &PredictionService{
		data:      data,
		estimator: estimator,
		province:  "Dak Lak",
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// PredictYear predicts a year present in the feature table.
func (s *PredictionService) PredictYear(ctx context.Context, year int) (*Prediction, error) {
	if s.estimator == nil {
		return nil, ErrModelNotLoaded
	}
	table, err := s.data.Features(ctx)
	if err != nil {
		return nil, err
	}
	if !table.HasYear(year) {
		return nil, &models.NotFoundError{Resource: "feature year", ID: fmt.Sprint(year)}
	}

	out, err := s.estimator.PredictYears(table, []int{year})
	if err != nil {
		return nil, err
	}
	p := newPrediction(year, out[0])
	p.FeaturesUsed = make(map[string]*float64, len(s.estimator.Features))
	for _, f := range s.estimator.Features {
		v, _ := table.Value(year, f)
		p.FeaturesUsed[f] = finite(v)
	}
	if actual, ok := s.actualYield(ctx, year); ok {
		p.ActualYield = &actual
	}

	s.metrics.RecordPrediction("year")
	s.logger.Debug(ctx, "[PREDICT_YEAR] Prediction served", logging.Fields{
		"year":      year,
		"predicted": p.PredictedYield,
	})
	return p, nil
}

// PredictCustom predicts from caller-supplied feature values. The names must
// match the trained features exactly.
func (s *PredictionService) PredictCustom(ctx context.Context, values map[string]float64) (*Prediction, error) {
	if s.estimator == nil {
		return nil, ErrModelNotLoaded
	}
	for name, v := range values {
		if math.IsInf(v, 0) {
			return nil, &models.ValidationError{Field: name, Value: fmt.Sprint(v), Message: "must be finite"}
		}
	}
	y, err := s.estimator.PredictNamed(values)
	if err != nil {
		return nil, err
	}

	p := newPrediction(0, y)
	p.FeaturesUsed = make(map[string]*float64, len(values))
	for k, v := range values {
		p.FeaturesUsed[k] = finite(v)
	}
	s.metrics.RecordPrediction("custom")
	return p, nil
}

// PredictScenario predicts year and applies the named scenario. A year after
// the last feature year uses the last feature year as its baseline.
func (s *PredictionService) PredictScenario(ctx context.Context, year int, scenarioName, province string) (*ScenarioPrediction, error) {
	sc, err := LookupScenario(scenarioName)
	if err != nil {
		return nil, err
	}
	if s.estimator == nil {
		return nil, ErrModelNotLoaded
	}
	table, err := s.data.Features(ctx)
	if err != nil {
		return nil, err
	}
	years := table.Years()
	if len(years) == 0 {
		return nil, &models.NotFoundError{Resource: "feature year", ID: "*"}
	}
	latest := years[len(years)-1]

	base := year
	note := fmt.Sprintf("Based on observed %d weather with the %s scenario applied", year, sc.Name)
	switch {
	case table.HasYear(year):
	case year > latest:
		base = latest
		note = fmt.Sprintf("Based on %d weather with the %s scenario applied", latest, sc.Name)
	default:
		return nil, &models.NotFoundError{Resource: "feature year", ID: fmt.Sprint(year)}
	}

	out, err := s.estimator.PredictYears(table, []int{base})
	if err != nil {
		return nil, err
	}
	adjusted := out[0] * sc.Multiplier
	margin := adjusted * sc.Band

	if province == "" {
		province = s.province
	}
	s.metrics.RecordPrediction("scenario")
	return &ScenarioPrediction{
		Crop:            "Robusta coffee",
		Province:        province,
		Year:            year,
		BaseYear:        base,
		Scenario:        sc.Name,
		ScenarioLabel:   sc.Label,
		PredictedYield:  round(adjusted, 2),
		ConfidenceLower: round(adjusted-margin, 2),
		ConfidenceUpper: round(adjusted+margin, 2),
		Unit:            YieldUnit,
		ConfidenceNote:  note,
	}, nil
}

// FeatureImportance reports the loaded model's importance, if it has one.
func (s *PredictionService) FeatureImportance(ctx context.Context) (*FeatureImportance, error) {
	if s.estimator == nil {
		return nil, ErrModelNotLoaded
	}
	out := &FeatureImportance{Features: append([]string(nil), s.estimator.Features...)}
	imp, ok := s.estimator.Importance()
	if !ok {
		return out, nil
	}
	out.Available = true
	out.Scores = make([]float64, len(out.Features))
	for i, f := range out.Features {
		out.Scores[i] = imp[f]
	}
	return out, nil
}

// YieldHistory predicts every feature year and pairs it with the observed yield.
func (s *PredictionService) YieldHistory(ctx context.Context) (*YieldHistory, error) {
	if s.estimator == nil {
		return nil, ErrModelNotLoaded
	}
	table, err := s.data.Features(ctx)
	if err != nil {
		return nil, err
	}
	yields, err := s.data.Yields(ctx)
	if err != nil {
		return nil, err
	}

	years := table.Years()
	predicted, err := s.estimator.PredictYears(table, years)
	if err != nil {
		return nil, err
	}
	observed := make(map[int]float64, len(yields))
	for _, y := range yields {
		observed[y.Year] = y.YieldTonsPerHectare
	}

	h := &YieldHistory{
		Years:     years,
		Actual:    make([]*float64, len(years)),
		Predicted: make([]float64, len(years)),
	}
	for i, y := range years {
		h.Predicted[i] = round(predicted[i], 4)
		if v, ok := observed[y]; ok {
			v := v
			h.Actual[i] = &v
		}
	}
	s.metrics.RecordPrediction("history")
	return h, nil
}

// Health reports model and data availability. It never fails; problems
// downgrade the status instead.
func (s *PredictionService) Health(ctx context.Context) *Health {
	h := &Health{Status: "healthy", Database: "ok", ModelLoaded: s.estimator != nil}
	if s.estimator != nil {
		h.FeatureCount = len(s.estimator.Features)
	} else {
		h.Status = "degraded"
	}

	if err := s.data.HealthCheck(ctx); err != nil {
		h.Status = "degraded"
		h.Database = "unavailable"
		s.logger.Warn(ctx, "[HEALTH_DEGRADED] Dataset health check failed", logging.Fields{"error": err.Error()})
		return h
	}
	if table, err := s.data.Features(ctx); err == nil && table.Len() > 0 {
		years := table.Years()
		h.FeaturesLoaded = true
		h.TotalYears = len(years)
		h.DataYearsRange = fmt.Sprintf("%d-%d", years[0], years[len(years)-1])
	} else {
		h.Status = "degraded"
	}
	return h
}

func (s *PredictionService) actualYield(ctx context.Context, year int) (float64, bool) {
	yields, err := s.data.Yields(ctx)
	if err != nil {
		return 0, false
	}
	for _, y := range yields {
		if y.Year == year {
			return y.YieldTonsPerHectare, true
		}
	}
	return 0, false
}

func newPrediction(year int, y float64) *Prediction {
	margin := y * predictionBand
	return &Prediction{
		Year:            year,
		PredictedYield:  round(y, 4),
		ConfidenceLower: round(y-margin, 4),
		ConfidenceUpper: round(y+margin, 4),
		Unit:            YieldUnit,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// finite maps NaN to nil so values survive JSON encoding.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
