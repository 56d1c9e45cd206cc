package evaluation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robusta-yield/internal/models"
)

// withPct builds results with actual 100 so that the absolute error equals the percentage.
func withPct(pcts ...float64) []models.FoldResult {
	out := make([]models.FoldResult, len(pcts))
	for i, p := range pcts {
		out[i] = models.NewFoldResult(2000+i, 100, 100+p)
	}
	return out
}

func TestSummarize_Metrics(t *testing.T) {
	results := []models.FoldResult{
		models.NewFoldResult(2018, 2.0, 2.2),
		models.NewFoldResult(2019, 2.5, 2.4),
		models.NewFoldResult(2020, 3.0, 2.7),
	}
	s, err := Summarize(results)
	require.NoError(t, err)

	assert.Equal(t, 3, s.Years)
	assert.InDelta(t, 0.2, s.MAE, 1e-12)
	assert.InDelta(t, math.Sqrt((0.04+0.01+0.09)/3), s.RMSE, 1e-12)
	assert.InDelta(t, (10+4+10)/3.0, s.MAPE, 1e-9)
	assert.InDelta(t, 10, s.MaxPctError, 1e-9)
	assert.InDelta(t, 4, s.MinPctError, 1e-9)
	assert.InDelta(t, math.Sqrt(12), s.StdPctError, 1e-9)
	assert.Equal(t, 2019, s.BestYear)
	assert.Equal(t, GradeMedium, s.Grade)
	require.NotNil(t, s.R2)
	assert.InDelta(t, 1-0.14/0.5, *s.R2, 1e-9)
}

func TestSummarize_Verdicts(t *testing.T) {
	tests := []struct {
		name string
		pcts []float64
		want Verdict
	}{
		{"two folds exactly at 25 are not significant", []float64{25, 25, 1, 1}, MildOverfitting},
		{"two folds above 25", []float64{25.01, 30, 1, 1}, SignificantOverfitting},
		{"one fold above 25 is mild", []float64{26, 1, 1, 1}, MildOverfitting},
		{"exactly 20 with low spread", []float64{20, 14, 18, 16}, NoOverfitting},
		{"spread above 10 alone is mild", []float64{0, 19, 0, 19}, MildOverfitting},
		{"tight and accurate", []float64{2, 3, 4, 3}, NoOverfitting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Summarize(withPct(tt.pcts...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Verdict, "std=%v", s.StdPctError)
		})
	}
}

func TestClassifyOverfitting_BoundaryIsStrict(t *testing.T) {
	assert.Equal(t, MildOverfitting, ClassifyOverfitting([]float64{25, 25}, 0),
		"two folds at exactly 25 are not significant but still exceed 20")
	assert.Equal(t, NoOverfitting, ClassifyOverfitting([]float64{20, 20}, 0))
	assert.Equal(t, SignificantOverfitting, ClassifyOverfitting([]float64{25.0001, 25.0001}, 0))
	assert.Equal(t, MildOverfitting, ClassifyOverfitting([]float64{1}, 10.0001))
	assert.Equal(t, NoOverfitting, ClassifyOverfitting([]float64{1}, 10))
}

func TestSummarize_ThresholdCounts(t *testing.T) {
	s, err := Summarize(withPct(5, 10, 12, 15, 16, 21, 26))
	require.NoError(t, err)

	assert.Equal(t, 5, s.Count(10))
	assert.Equal(t, 3, s.Count(15))
	assert.Equal(t, 2, s.Count(20))
	assert.Equal(t, 1, s.Count(25))
	assert.Equal(t, -1, s.Count(30))
	assert.Equal(t, 2006, s.WorstYear)
}

func TestSummarize_SingleYear(t *testing.T) {
	s, err := Summarize(withPct(3))
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.StdPctError)
	assert.Nil(t, s.R2)
	assert.Equal(t, GradeHigh, s.Grade)
	assert.Equal(t, NoOverfitting, s.Verdict)
}

func TestSummarize_Empty(t *testing.T) {
	_, err := Summarize(nil)
	assert.ErrorIs(t, err, ErrNoResults)
}
