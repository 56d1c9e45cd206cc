// Package features turns a daily weather table into yearly, stage-aligned
// agro-climatic predictors for Robusta coffee and standardizes them against
// a reference climatology.
package features

import (
	"fmt"
	"math"
	"strings"

	"robusta-yield/internal/models"
)

// Aggregation selects how daily values inside a stage window are reduced to one yearly value.
type Aggregation int

const (
	// Sum adds the finite daily values. A window with no finite values is missing.
	Sum Aggregation = iota
	// Mean averages the finite daily values. A window with no finite values is missing.
	Mean
	// CountAbove counts days strictly above Threshold. It is zero, never missing, for every year.
	CountAbove
)

func (a Aggregation) String() string {
	switch a {
	case Sum:
		return "sum"
	case Mean:
		return "mean"
	case CountAbove:
		return "count_above"
	default:
		return fmt.Sprintf("aggregation(%d)", int(a))
	}
}

// ParseAggregation parses "sum", "mean" or "count_above".
func ParseAggregation(s string) (Aggregation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sum":
		return Sum, nil
	case "mean":
		return Mean, nil
	case "count_above", "count":
		return CountAbove, nil
	}
	return 0, fmt.Errorf("unknown aggregation %q", s)
}

// StageWindow defines one yearly feature: a calendar-month window tied to a
// growth stage, the daily source field(s) and the reducer.
// With several Sources the daily value is their mean, so temp_max and temp_min give a daily mean temperature.
type StageWindow struct {
	Name        string
	Sources     []string
	Months      []int
	Aggregation Aggregation
	Threshold   float64
}

// DroughtIndex defines SPI: the Sum of Source over Months, standardized over every available year.
type DroughtIndex struct {
	Name   string
	Source string
	Months []int
}

// ExtractorConfig drives Extract. There are no package-level defaults that
// Extract reads implicitly; callers pass DefaultExtractorConfig or their own.
type ExtractorConfig struct {
	// RequiredColumns must all be present in the daily table.
	RequiredColumns []string
	Windows         []StageWindow
	// SPI is optional; nil skips the index.
	SPI *DroughtIndex
	// SPEI is optional; nil skips the index.
	SPEI *WaterBalanceIndex
}

// Feature names produced by the default configuration.
const (
	RainBloom          = "rain_bloom"
	SoilFruitset       = "soil_fruitset"
	TempMaxHeatstress  = "temp_max_heatstress"
	DaysExtremeHeat    = "days_extreme_heat"
	RadiationFruitfill = "radiation_fruitfill"
	RainRipening       = "rain_ripening"
	HumidityFruitset   = "humidity_fruitset"
	SPIDrought         = "SPI_drought"
	TempFruitfill      = "temp_fruitfill"
	SPEIDrought        = "SPEI_drought"
)

// DefaultHeatThreshold is the temp_max above which a day counts as extreme heat, in °C.
const DefaultHeatThreshold = 33.0

// DefaultModelFeatures are the predictors the yield model is trained on, in order.
func DefaultModelFeatures() []string {
	return []string{
		RainBloom,
		SoilFruitset,
		TempMaxHeatstress,
		DaysExtremeHeat,
		RadiationFruitfill,
		RainRipening,
		HumidityFruitset,
		SPIDrought,
	}
}

// DefaultExtractorConfig returns the stage calendar used for Dak Lak Robusta.
// includeSupplementary adds temp_fruitfill and SPEI_drought.
func DefaultExtractorConfig(includeSupplementary bool) ExtractorConfig {
	cfg := ExtractorConfig{
		RequiredColumns: append([]string(nil), models.DailyFields...),
		Windows: []StageWindow{
			{Name: RainBloom, Sources: []string{models.FieldRain}, Months: []int{2, 3}, Aggregation: Sum},
			{Name: SoilFruitset, Sources: []string{models.FieldSoilMoisture}, Months: []int{4, 5, 6}, Aggregation: Mean},
			{Name: TempMaxHeatstress, Sources: []string{models.FieldTempMax}, Months: []int{5, 6}, Aggregation: Mean},
			{Name: DaysExtremeHeat, Sources: []string{models.FieldTempMax}, Months: []int{5, 6}, Aggregation: CountAbove, Threshold: DefaultHeatThreshold},
			{Name: RadiationFruitfill, Sources: []string{models.FieldRadiation}, Months: []int{6, 7, 8, 9}, Aggregation: Sum},
			{Name: RainRipening, Sources: []string{models.FieldRain}, Months: []int{10, 11, 12}, Aggregation: Sum},
			{Name: HumidityFruitset, Sources: []string{models.FieldHumidity}, Months: []int{4, 5, 6}, Aggregation: Mean},
		},
		SPI: &DroughtIndex{Name: SPIDrought, Source: models.FieldRain, Months: []int{3, 4, 5, 6}},
	}
	if includeSupplementary {
		cfg.Windows = append(cfg.Windows, StageWindow{
			Name:        TempFruitfill,
			Sources:     []string{models.FieldTempMax, models.FieldTempMin},
			Months:      []int{6, 7, 8, 9},
			Aggregation: Mean,
		})
		spei := DefaultWaterBalanceIndex()
		cfg.SPEI = &spei
	}
	return cfg
}

// Validate checks window definitions before any data is touched.
func (c ExtractorConfig) Validate() error {
	seen := make(map[string]struct{})
	check := func(name string, months []int) error {
		if name == "" {
			return &models.ValidationError{Field: "windows.name", Message: "feature name is required"}
		}
		if _, dup := seen[name]; dup {
			return &models.ValidationError{Field: "windows.name", Value: name, Message: "duplicate feature name"}
		}
		seen[name] = struct{}{}
		if len(months) == 0 {
			return &models.ValidationError{Field: "windows.months", Value: name, Message: "at least one month is required"}
		}
		for _, m := range months {
			if m < 1 || m > 12 {
				return &models.ValidationError{Field: "windows.months", Value: fmt.Sprint(m), Message: "month must be within 1-12"}
			}
		}
		return nil
	}
	for _, w := range c.Windows {
		if err := check(w.Name, w.Months); err != nil {
			return err
		}
		if len(w.Sources) == 0 {
			return &models.ValidationError{Field: "windows.sources", Value: w.Name, Message: "at least one source field is required"}
		}
	}
	if c.SPI != nil {
		if err := check(c.SPI.Name, c.SPI.Months); err != nil {
			return err
		}
	}
	if c.SPEI != nil {
		if err := check(c.SPEI.Name, c.SPEI.Months); err != nil {
			return err
		}
	}
	return nil
}

// Extract derives one row per calendar year present in daily, ascending.
// It is a pure transform: daily is only read. Sums and means skip missing
// daily values and nothing is imputed.
func Extract(daily *models.DailyTable, cfg ExtractorConfig) (*models.FeatureTable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := requireColumns(daily, cfg); err != nil {
		return nil, err
	}

	years := daily.Years()
	table := models.NewFeatureTable(years)
	grouper := newYearMonthIndex(daily, years)

	for _, w := range cfg.Windows {
		values, err := reduceWindow(daily, grouper, w)
		if err != nil {
			return nil, err
		}
		if table, err = table.WithColumn(w.Name, values); err != nil {
			return nil, err
		}
	}

	if cfg.SPI != nil {
		raw, err := reduceWindow(daily, grouper, StageWindow{
			Name:        cfg.SPI.Name,
			Sources:     []string{cfg.SPI.Source},
			Months:      cfg.SPI.Months,
			Aggregation: Sum,
		})
		if err != nil {
			return nil, err
		}
		spi, err := StandardizedIndex(cfg.SPI.Name, years, raw)
		if err != nil {
			return nil, err
		}
		if table, err = table.WithColumn(cfg.SPI.Name, spi); err != nil {
			return nil, err
		}
	}

	if cfg.SPEI != nil {
		spei, err := cfg.SPEI.Compute(daily, grouper)
		if err != nil {
			return nil, err
		}
		if table, err = table.WithColumn(cfg.SPEI.Name, spei); err != nil {
			return nil, err
		}
	}

	return table, nil
}

func requireColumns(daily *models.DailyTable, cfg ExtractorConfig) error {
	need := append([]string(nil), cfg.RequiredColumns...)
	for _, w := range cfg.Windows {
		need = append(need, w.Sources...)
	}
	if cfg.SPI != nil {
		need = append(need, cfg.SPI.Source)
	}
	if cfg.SPEI != nil {
		need = append(need, cfg.SPEI.sources()...)
	}
	for _, c := range need {
		if !daily.HasColumn(c) {
			return &models.MissingColumnError{Stage: "extract", Column: c}
		}
	}
	return nil
}

// yearMonthIndex groups row indices by (year position, month).
type yearMonthIndex struct {
	years []int
	rows  [][13][]int
}

func newYearMonthIndex(daily *models.DailyTable, years []int) *yearMonthIndex {
	pos := make(map[int]int, len(years))
	for i, y := range years {
		pos[y] = i
	}
	idx := &yearMonthIndex{years: years, rows: make([][13][]int, len(years))}
	for i, d := range daily.Dates() {
		p := pos[d.Year()]
		m := int(d.Month())
		idx.rows[p][m] = append(idx.rows[p][m], i)
	}
	return idx
}

// dailyValue returns the daily value of w at row i: the single source, or the mean of several.
func dailyValue(cols [][]float64, i int) float64 {
	if len(cols) == 1 {
		return cols[0][i]
	}
	s := 0.0
	for _, c := range cols {
		s += c[i]
	}
	return s / float64(len(cols))
}

func reduceWindow(daily *models.DailyTable, idx *yearMonthIndex, w StageWindow) ([]float64, error) {
	cols := make([][]float64, len(w.Sources))
	for i, s := range w.Sources {
		c, ok := daily.Column(s)
		if !ok {
			return nil, &models.MissingColumnError{Stage: "extract", Column: s}
		}
		cols[i] = c
	}

	out := make([]float64, len(idx.years))
	for p := range idx.years {
		var sum float64
		var n, above int
		for _, m := range w.Months {
			for _, r := range idx.rows[p][m] {
				v := dailyValue(cols, r)
				if math.IsNaN(v) {
					continue
				}
				sum += v
				n++
				if v > w.Threshold {
					above++
				}
			}
		}

		switch w.Aggregation {
		case CountAbove:
			out[p] = float64(above)
		case Sum:
			out[p] = math.NaN()
			if n > 0 {
				out[p] = sum
			}
		case Mean:
			out[p] = math.NaN()
			if n > 0 {
				out[p] = sum / float64(n)
			}
		default:
			return nil, fmt.Errorf("feature %s: unsupported aggregation %v", w.Name, w.Aggregation)
		}
	}
	return out, nil
}
