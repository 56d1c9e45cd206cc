package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"robusta-yield/internal/models"
)

// AnomalySuffix is appended to a column name to form its anomaly column.
const AnomalySuffix = "_anomaly"

// Default reference climatology.
const (
	DefaultReferenceStart = 1990
	DefaultReferenceEnd   = 2020
)

// NormalizerConfig selects the reference period (inclusive) and the columns to anomalize.
type NormalizerConfig struct {
	ReferenceStart int
	ReferenceEnd   int
	Columns        []string
}

// DefaultAnomalyColumns are the stage features standardized against the reference period.
func DefaultAnomalyColumns() []string {
	return []string{RainBloom, SoilFruitset, TempMaxHeatstress, RadiationFruitfill, RainRipening}
}

// DefaultNormalizerConfig uses 1990-2020 and DefaultAnomalyColumns.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		ReferenceStart: DefaultReferenceStart,
		ReferenceEnd:   DefaultReferenceEnd,
		Columns:        DefaultAnomalyColumns(),
	}
}

// Validate rejects an inverted reference period.
func (c NormalizerConfig) Validate() error {
	if c.ReferenceEnd < c.ReferenceStart {
		return &models.ValidationError{
			Field:   "reference_period",
			Value:   formatRange(c.ReferenceStart, c.ReferenceEnd),
			Message: "reference end must not precede start",
		}
	}
	return nil
}

// Normalize returns a new table with one <col>_anomaly column per requested column.
// Mean and sample standard deviation come from rows inside the reference period only;
// the anomaly is then applied to every row. Missing values stay missing.
func Normalize(t *models.FeatureTable, cfg NormalizerConfig) (*models.FeatureTable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	years := t.Years()
	out := t
	for _, col := range cfg.Columns {
		values, err := t.Column(col)
		if err != nil {
			return nil, &models.MissingColumnError{Stage: "normalize", Column: col}
		}

		var ref []float64
		for i, y := range years {
			if y >= cfg.ReferenceStart && y <= cfg.ReferenceEnd && isFinite(values[i]) {
				ref = append(ref, values[i])
			}
		}
		mean, std, err := referenceStats(col, ref, cfg.ReferenceStart, cfg.ReferenceEnd)
		if err != nil {
			return nil, err
		}

		if out, err = out.WithColumn(col+AnomalySuffix, standardize(values, mean, std)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// StandardizedIndex standardizes values against their own full record, the way
// SPI and SPEI are defined. It does not use a fixed reference period.
func StandardizedIndex(name string, years []int, values []float64) ([]float64, error) {
	var ref []float64
	for _, v := range values {
		if isFinite(v) {
			ref = append(ref, v)
		}
	}
	start, end := 0, 0
	if len(years) > 0 {
		start, end = years[0], years[len(years)-1]
	}
	mean, std, err := referenceStats(name, ref, start, end)
	if err != nil {
		return nil, err
	}
	return standardize(values, mean, std), nil
}

// degenerateTolerance absorbs the rounding left by summing a constant series.
const degenerateTolerance = 1e-12

// referenceStats returns the mean and sample standard deviation of ref.
// Fewer than two values or a zero deviation make the reference degenerate.
func referenceStats(column string, ref []float64, start, end int) (float64, float64, error) {
	if len(ref) < 2 {
		return 0, 0, &models.DegenerateReferenceError{Column: column, Start: start, End: end, Count: len(ref)}
	}
	mean, std := stat.MeanStdDev(ref, nil)
	if !isFinite(std) || std <= degenerateTolerance*math.Max(1, math.Abs(mean)) {
		return 0, 0, &models.DegenerateReferenceError{Column: column, Start: start, End: end, Count: len(ref)}
	}
	return mean, std, nil
}

func standardize(values []float64, mean, std float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func formatRange(start, end int) string {
	return fmt.Sprintf("%d-%d", start, end)
}
