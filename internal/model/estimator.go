package model

import (
	"fmt"
	"sort"
	"time"

	"robusta-yield/internal/models"
)

// Estimator is a fitted regressor bound to the exact ordered feature list and
// the scaler it was trained with. It is never refit; training builds a new one.
type Estimator struct {
	Model        Regressor
	Features     []string
	Scaler       *StandardScaler
	TrainedYears []int
	TrainedAt    time.Time
}

// Factory builds a fresh, unfitted regressor.
type Factory func() Regressor

// BoostingFactory returns a Factory for GradientBoosting with params p.
func BoostingFactory(p Params) Factory {
	return func() Regressor { return NewGradientBoosting(p) }
}

// Train fits a new scaler and a new model on the given labeled years only.
// Rows of any other year are never read, so callers can hold years out safely.
func Train(set *models.LabeledSet, features []string, years []int, newModel Factory) (*Estimator, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("no feature columns selected")
	}
	if len(years) == 0 {
		return nil, fmt.Errorf("no training years")
	}

	trainYears := append([]int(nil), years...)
	sort.Ints(trainYears)

	X, err := set.Features.Matrix(trainYears, features)
	if err != nil {
		return nil, err
	}
	y, err := set.Targets(trainYears)
	if err != nil {
		return nil, err
	}

	scaler, err := FitStandardScaler(X)
	if err != nil {
		return nil, err
	}
	Xs, err := scaler.Transform(X)
	if err != nil {
		return nil, err
	}

	m := newModel()
	if err := m.Fit(Xs, y); err != nil {
		return nil, fmt.Errorf("fit on %d years: %w", len(trainYears), err)
	}

	return &Estimator{
		Model:        m,
		Features:     append([]string(nil), features...),
		Scaler:       scaler,
		TrainedYears: trainYears,
		TrainedAt:    time.Now().UTC(),
	}, nil
}

// CheckFeatures fails with FeatureColumnMismatchError unless names equals the
// trained feature list exactly, order included.
func (e *Estimator) CheckFeatures(names []string) error {
	if len(names) != len(e.Features) {
		return &models.FeatureColumnMismatchError{Expected: e.Features, Got: names}
	}
	for i := range names {
		if names[i] != e.Features[i] {
			return &models.FeatureColumnMismatchError{Expected: e.Features, Got: names}
		}
	}
	return nil
}

// Predict scores raw (unscaled) rows whose columns are named by names.
func (e *Estimator) Predict(names []string, rows [][]float64) ([]float64, error) {
	if err := e.CheckFeatures(names); err != nil {
		return nil, err
	}
	Xs, err := e.Scaler.Transform(rows)
	if err != nil {
		return nil, err
	}
	return e.Model.Predict(Xs)
}

// PredictYears scores years of a feature table. The table must carry every
// trained feature; extra columns are ignored.
func (e *Estimator) PredictYears(t *models.FeatureTable, years []int) ([]float64, error) {
	for _, f := range e.Features {
		if !t.HasColumn(f) {
			return nil, &models.FeatureColumnMismatchError{Expected: e.Features, Got: t.Columns()}
		}
	}
	X, err := t.Matrix(years, e.Features)
	if err != nil {
		return nil, err
	}
	return e.Predict(e.Features, X)
}

// PredictNamed scores one observation given as a name-to-value map. The keys
// must be exactly the trained features.
func (e *Estimator) PredictNamed(values map[string]float64) (float64, error) {
	got := make([]string, 0, len(values))
	for k := range values {
		got = append(got, k)
	}
	sort.Strings(got)

	row := make([]float64, len(e.Features))
	for i, f := range e.Features {
		v, ok := values[f]
		if !ok || len(values) != len(e.Features) {
			return 0, &models.FeatureColumnMismatchError{Expected: e.Features, Got: got}
		}
		row[i] = v
	}
	out, err := e.Predict(e.Features, [][]float64{row})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// Importance pairs feature names with the model's importance, when it has one.
func (e *Estimator) Importance() (map[string]float64, bool) {
	imp, ok := e.Model.FeatureImportance()
	if !ok || len(imp) != len(e.Features) {
		return nil, false
	}
	out := make(map[string]float64, len(imp))
	for i, f := range e.Features {
		out[f] = imp[i]
	}
	return out, true
}
