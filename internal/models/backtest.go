package models

import (
	"math"
	"time"
)

// BacktestRun is the persisted summary of one validation run.
type BacktestRun struct {
	ID           string    `json:"id" db:"id"`
	Protocol     string    `json:"protocol" db:"protocol"`
	Features     []string  `json:"features" db:"-"`
	ScoredFolds  int       `json:"scored_folds" db:"scored_folds"`
	SkippedFolds int       `json:"skipped_folds" db:"skipped_folds"`
	MAE          *float64  `json:"mae,omitempty" db:"mae"`
	RMSE         *float64  `json:"rmse,omitempty" db:"rmse"`
	MAPE         *float64  `json:"mape,omitempty" db:"mape"`
	R2           *float64  `json:"r2,omitempty" db:"r2"`
	Grade        *string   `json:"grade,omitempty" db:"grade"`
	Verdict      *string   `json:"verdict,omitempty" db:"verdict"`
	StartedAt    time.Time `json:"started_at" db:"started_at"`
	DurationMs   int64     `json:"duration_ms" db:"duration_ms"`
}

// YearlyWeather is a per-year aggregate of the daily record used for trend views.
type YearlyWeather struct {
	Year           int      `json:"year" db:"year"`
	Days           int      `json:"days" db:"days"`
	AvgTempMax     *float64 `json:"avg_temp_max,omitempty" db:"avg_temp_max"`
	AvgTempMin     *float64 `json:"avg_temp_min,omitempty" db:"avg_temp_min"`
	TotalRain      *float64 `json:"total_rain,omitempty" db:"total_rain"`
	AvgHumidity    *float64 `json:"avg_humidity,omitempty" db:"avg_humidity"`
	AvgSoil        *float64 `json:"avg_soil_moisture,omitempty" db:"avg_soil_moisture"`
	TotalRadiation *float64 `json:"total_radiation,omitempty" db:"total_radiation"`
}

// SummarizeYears aggregates a daily table per calendar year. Means and sums
// skip missing days; an aggregate with no observed days is nil.
func SummarizeYears(t *DailyTable) []YearlyWeather {
	years := t.Years()
	pos := make(map[int]int, len(years))
	out := make([]YearlyWeather, len(years))
	for i, y := range years {
		pos[y] = i
		out[i].Year = y
	}

	type acc struct {
		sum float64
		n   int
	}
	fields := []struct {
		name string
		mean bool
		dst  func(*YearlyWeather) **float64
	}{
		{FieldTempMax, true, func(w *YearlyWeather) **float64 { return &w.AvgTempMax }},
		{FieldTempMin, true, func(w *YearlyWeather) **float64 { return &w.AvgTempMin }},
		{FieldRain, false, func(w *YearlyWeather) **float64 { return &w.TotalRain }},
		{FieldHumidity, true, func(w *YearlyWeather) **float64 { return &w.AvgHumidity }},
		{FieldSoilMoisture, true, func(w *YearlyWeather) **float64 { return &w.AvgSoil }},
		{FieldRadiation, false, func(w *YearlyWeather) **float64 { return &w.TotalRadiation }},
	}

	for i := range t.dates {
		out[pos[t.dates[i].Year()]].Days++
	}
	for _, f := range fields {
		col, ok := t.Column(f.name)
		if !ok {
			continue
		}
		accs := make([]acc, len(years))
		for i, v := range col {
			if math.IsNaN(v) {
				continue
			}
			a := &accs[pos[t.dates[i].Year()]]
			a.sum += v
			a.n++
		}
		for i, a := range accs {
			if a.n == 0 {
				continue
			}
			v := a.sum
			if f.mean {
				v /= float64(a.n)
			}
			*f.dst(&out[i]) = &v
		}
	}
	return out
}
