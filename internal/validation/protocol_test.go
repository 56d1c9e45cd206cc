package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func yearRange(start, end int) []int {
	out := make([]int, 0, end-start+1)
	for y := start; y <= end; y++ {
		out = append(out, y)
	}
	return out
}

func TestPlanFolds_WalkForwardNeverSeesTheFuture(t *testing.T) {
	cfg := DefaultConfig(WalkForward)
	cfg.WalkForwardYears = 5

	folds, err := PlanFolds(yearRange(2000, 2010), cfg)
	require.NoError(t, err)
	require.Len(t, folds, 5)

	prevTrain := -1
	for i, f := range folds {
		require.Len(t, f.Test, 1)
		assert.Equal(t, 2006+i, f.Test[0])
		for _, y := range f.Train {
			assert.Less(t, y, f.Test[0], "fold %d trains on %d", i, y)
		}
		assert.Greater(t, len(f.Train), prevTrain, "training sets must grow")
		prevTrain = len(f.Train)
	}
}

func TestPlanFolds_LOYO(t *testing.T) {
	years := []int{2003, 2001, 2002, 2000, 2004}
	folds, err := PlanFolds(years, DefaultConfig(LeaveOneYearOut))
	require.NoError(t, err)
	require.Len(t, folds, len(years))

	for _, f := range folds {
		require.Len(t, f.Test, 1)
		assert.NotContains(t, f.Train, f.Test[0])
		assert.Len(t, f.Train, len(years)-1)
	}
	assert.Equal(t, 2000, folds[0].Test[0], "folds follow ascending years")
	assert.Contains(t, folds[0].Train, 2004, "LOYO may train on later years")
}

func TestPlanFolds_Holdout(t *testing.T) {
	tests := []struct {
		name      string
		years     []int
		k         int
		wantTrain []int
		wantTest  []int
	}{
		{"last two years", yearRange(2010, 2015), 2, yearRange(2010, 2013), []int{2014, 2015}},
		{"k covers everything", yearRange(2010, 2011), 5, []int{}, []int{2010, 2011}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(Holdout)
			cfg.HoldoutYears = tt.k
			folds, err := PlanFolds(tt.years, cfg)
			require.NoError(t, err)
			require.Len(t, folds, 1)
			assert.ElementsMatch(t, tt.wantTrain, folds[0].Train)
			assert.Equal(t, tt.wantTest, folds[0].Test)
		})
	}
}

func TestPlanFolds_WalkForwardKLargerThanRecord(t *testing.T) {
	cfg := DefaultConfig(WalkForward)
	folds, err := PlanFolds(yearRange(2000, 2003), cfg)
	require.NoError(t, err)
	require.Len(t, folds, 4)
	assert.Empty(t, folds[0].Train)
}

func TestPlanFolds_Empty(t *testing.T) {
	folds, err := PlanFolds(nil, DefaultConfig(LeaveOneYearOut))
	require.NoError(t, err)
	assert.Empty(t, folds)
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in   string
		want Protocol
		ok   bool
	}{
		{"holdout", Holdout, true},
		{"Walk-Forward", WalkForward, true},
		{"walk_forward", WalkForward, true},
		{"LOYO", LeaveOneYearOut, true},
		{"leave-one-year-out", LeaveOneYearOut, true},
		{"kfold", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProtocol(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			text, err := got.MarshalText()
			require.NoError(t, err)
			var back Protocol
			require.NoError(t, back.UnmarshalText(text))
			assert.Equal(t, got, back)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig(WalkForward)
	assert.NoError(t, cfg.Validate())

	cfg.MinTrainYears = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig(Protocol(9))
	assert.Error(t, cfg.Validate())
}
