package models

import (
	"fmt"
	"math"
	"time"
)

// YieldRecord is the observed provincial yield for one harvest year.
type YieldRecord struct {
	Year                int       `json:"year" db:"year"`
	YieldTonsPerHectare float64   `json:"yield_tons_per_hectare" db:"yield_tons_per_hectare"`
	CreatedAt           time.Time `json:"-" db:"created_at"`
}

// LabeledSet is the inner join of a feature table with observed yields.
// Only years present in both sources are kept, ascending.
type LabeledSet struct {
	Features *FeatureTable
	Years    []int
	Yields   []float64
	index    map[int]int
}

// JoinYields joins features with yields by year without modifying either input.
// Duplicate or non-finite yields are rejected.
func JoinYields(features *FeatureTable, yields []YieldRecord) (*LabeledSet, error) {
	byYear := make(map[int]float64, len(yields))
	for _, r := range yields {
		if _, dup := byYear[r.Year]; dup {
			return nil, &ValidationError{
				Field:   "year",
				Value:   fmt.Sprint(r.Year),
				Message: "duplicate yield record",
			}
		}
		if math.IsNaN(r.YieldTonsPerHectare) || math.IsInf(r.YieldTonsPerHectare, 0) {
			return nil, &ValidationError{
				Field:   "yield_tons_per_hectare",
				Value:   fmt.Sprint(r.YieldTonsPerHectare),
				Message: "yield must be a finite number",
			}
		}
		byYear[r.Year] = r.YieldTonsPerHectare
	}

	set := &LabeledSet{Features: features, index: make(map[int]int)}
	for _, y := range features.Years() {
		v, ok := byYear[y]
		if !ok {
			continue
		}
		set.index[y] = len(set.Years)
		set.Years = append(set.Years, y)
		set.Yields = append(set.Yields, v)
	}
	return set, nil
}

// Len returns the number of labeled years.
func (s *LabeledSet) Len() int { return len(s.Years) }

// YieldOf returns the observed yield of year.
func (s *LabeledSet) YieldOf(year int) (float64, bool) {
	i, ok := s.index[year]
	if !ok {
		return 0, false
	}
	return s.Yields[i], true
}

// Targets returns the yields of the given years in order.
func (s *LabeledSet) Targets(years []int) ([]float64, error) {
	out := make([]float64, len(years))
	for i, y := range years {
		v, ok := s.YieldOf(y)
		if !ok {
			return nil, &NotFoundError{Resource: "labeled year", ID: fmt.Sprint(y)}
		}
		out[i] = v
	}
	return out, nil
}

// FoldResult is the scored prediction for one held-out year.
type FoldResult struct {
	Year            int     `json:"year" db:"year"`
	Actual          float64 `json:"actual" db:"actual"`
	Predicted       float64 `json:"predicted" db:"predicted"`
	AbsoluteError   float64 `json:"absolute_error" db:"absolute_error"`
	PercentageError float64 `json:"percentage_error" db:"percentage_error"`
}

// NewFoldResult scores a prediction. actual must be positive for the percentage to be defined.
func NewFoldResult(year int, actual, predicted float64) FoldResult {
	abs := math.Abs(actual - predicted)
	return FoldResult{
		Year:            year,
		Actual:          actual,
		Predicted:       predicted,
		AbsoluteError:   abs,
		PercentageError: abs / actual * 100,
	}
}
