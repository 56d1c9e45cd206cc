// Package evaluation reduces per-fold backtest results to summary metrics and
// an overfitting verdict.
package evaluation

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"robusta-yield/internal/models"
)

// Verdict classifies how much a model overfits across folds.
type Verdict string

const (
	NoOverfitting          Verdict = "no significant overfitting"
	MildOverfitting        Verdict = "mild overfitting"
	SignificantOverfitting Verdict = "significant overfitting"
)

// Grade is a coarse accuracy label derived from MAPE.
type Grade string

const (
	GradeHigh   Grade = "high"
	GradeMedium Grade = "medium"
	GradeLow    Grade = "low"
)

// Verdict thresholds in percent. Comparisons are strict.
const (
	significantErrorPct  = 25.0
	significantFoldCount = 2
	mildErrorPct         = 20.0
	mildStdPct           = 10.0
	highAccuracyMAPE     = 5.0
	mediumAccuracyMAPE   = 10.0
)

// DefaultThresholds are the percentage errors counted in every summary.
var DefaultThresholds = []float64{10, 15, 20, 25}

// ErrNoResults is returned when there is nothing to summarize.
var ErrNoResults = errors.New("no fold results to summarize")

// ThresholdCount is the number of years whose error is strictly above Threshold percent.
type ThresholdCount struct {
	Threshold float64 `json:"threshold"`
	Count     int     `json:"count"`
}

// Summary aggregates one protocol run.
type Summary struct {
	Years       int              `json:"years"`
	MAE         float64          `json:"mae"`
	RMSE        float64          `json:"rmse"`
	MAPE        float64          `json:"mape"`
	R2          *float64         `json:"r2,omitempty"`
	MaxPctError float64          `json:"max_pct_error"`
	MinPctError float64          `json:"min_pct_error"`
	StdPctError float64          `json:"std_pct_error"`
	Thresholds  []ThresholdCount `json:"thresholds"`
	BestYear    int              `json:"best_year"`
	WorstYear   int              `json:"worst_year"`
	Grade       Grade            `json:"grade"`
	Verdict     Verdict          `json:"verdict"`
}

// Count returns the count for threshold t, or -1 if t was not computed.
func (s Summary) Count(t float64) int {
	for _, tc := range s.Thresholds {
		if tc.Threshold == t {
			return tc.Count
		}
	}
	return -1
}

// Summarize computes error metrics over results. The standard deviation of
// percentage errors is the sample deviation and is zero for a single year.
func Summarize(results []models.FoldResult) (Summary, error) {
	n := len(results)
	if n == 0 {
		return Summary{}, ErrNoResults
	}

	abs := make([]float64, n)
	sq := make([]float64, n)
	pct := make([]float64, n)
	actual := make([]float64, n)
	predicted := make([]float64, n)
	for i, r := range results {
		abs[i] = r.AbsoluteError
		sq[i] = r.AbsoluteError * r.AbsoluteError
		pct[i] = r.PercentageError
		actual[i] = r.Actual
		predicted[i] = r.Predicted
	}

	s := Summary{
		Years:       n,
		MAE:         stat.Mean(abs, nil),
		RMSE:        math.Sqrt(stat.Mean(sq, nil)),
		MAPE:        stat.Mean(pct, nil),
		MaxPctError: floats.Max(pct),
		MinPctError: floats.Min(pct),
		BestYear:    results[floats.MinIdx(pct)].Year,
		WorstYear:   results[floats.MaxIdx(pct)].Year,
	}
	if n > 1 {
		s.StdPctError = stat.StdDev(pct, nil)
	}
	if r2 := rSquared(actual, predicted); !math.IsNaN(r2) {
		s.R2 = &r2
	}

	s.Thresholds = make([]ThresholdCount, len(DefaultThresholds))
	for i, t := range DefaultThresholds {
		s.Thresholds[i] = ThresholdCount{Threshold: t, Count: countAbove(pct, t)}
	}

	s.Grade = GradeFor(s.MAPE)
	s.Verdict = ClassifyOverfitting(pct, s.StdPctError)
	return s, nil
}

// ClassifyOverfitting applies the verdict policy to per-year percentage errors.
func ClassifyOverfitting(pct []float64, std float64) Verdict {
	if countAbove(pct, significantErrorPct) >= significantFoldCount {
		return SignificantOverfitting
	}
	if countAbove(pct, mildErrorPct) >= 1 || std > mildStdPct {
		return MildOverfitting
	}
	return NoOverfitting
}

// GradeFor maps MAPE to an accuracy grade.
func GradeFor(mape float64) Grade {
	switch {
	case mape < highAccuracyMAPE:
		return GradeHigh
	case mape < mediumAccuracyMAPE:
		return GradeMedium
	default:
		return GradeLow
	}
}

func countAbove(v []float64, t float64) int {
	n := 0
	for _, x := range v {
		if x > t {
			n++
		}
	}
	return n
}

// rSquared is the coefficient of determination, NaN when actuals do not vary.
func rSquared(actual, predicted []float64) float64 {
	if len(actual) < 2 {
		return math.NaN()
	}
	mean := stat.Mean(actual, nil)
	var ssRes, ssTot float64
	for i := range actual {
		ssRes += (actual[i] - predicted[i]) * (actual[i] - predicted[i])
		ssTot += (actual[i] - mean) * (actual[i] - mean)
	}
	if ssTot == 0 {
		return math.NaN()
	}
	return 1 - ssRes/ssTot
}
