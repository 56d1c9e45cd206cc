package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// StandardScaler centres and scales each column with statistics from the rows it was fit on.
// Missing values are ignored when fitting and stay missing when transforming.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// constantTolerance treats rounding-level spread in a constant column as zero variance.
const constantTolerance = 1e-12

// FitStandardScaler computes per-column mean and population standard deviation.
// A column with zero variance, or no observed values, keeps scale 1.
func FitStandardScaler(X [][]float64) (*StandardScaler, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("cannot fit scaler on zero rows")
	}
	m := len(X[0])
	s := &StandardScaler{Mean: make([]float64, m), Scale: make([]float64, m)}

	col := make([]float64, 0, len(X))
	for j := 0; j < m; j++ {
		col = col[:0]
		for i, row := range X {
			if len(row) != m {
				return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), m)
			}
			if !math.IsNaN(row[j]) {
				col = append(col, row[j])
			}
		}
		s.Scale[j] = 1
		if len(col) == 0 {
			continue
		}
		mean, variance := stat.PopMeanVariance(col, nil)
		s.Mean[j] = mean
		if sd := math.Sqrt(variance); sd > constantTolerance*math.Max(1, math.Abs(mean)) {
			s.Scale[j] = sd
		}
	}
	return s, nil
}

// Transform returns a scaled copy of X.
func (s *StandardScaler) Transform(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		r, err := s.TransformRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// TransformRow returns a scaled copy of one row.
func (s *StandardScaler) TransformRow(row []float64) ([]float64, error) {
	if len(row) != len(s.Mean) {
		return nil, fmt.Errorf("scaler fit on %d columns, got %d", len(s.Mean), len(row))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

func (s *StandardScaler) validate(numFeatures int) error {
	if len(s.Mean) != numFeatures || len(s.Scale) != numFeatures {
		return fmt.Errorf("scaler has %d/%d columns for %d features", len(s.Mean), len(s.Scale), numFeatures)
	}
	for j, sc := range s.Scale {
		if sc <= 0 || math.IsNaN(sc) || math.IsInf(sc, 0) {
			return fmt.Errorf("scaler column %d has invalid scale %v", j, sc)
		}
	}
	return nil
}
