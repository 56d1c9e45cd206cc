package services

import (
	"context"
	"time"

	"robusta-yield/internal/features"
	"robusta-yield/internal/models"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

// DefaultTrendColumns are the stage features returned by WeatherTrend when
// the caller names none.
func DefaultTrendColumns() []string {
	return []string{features.RainBloom, features.TempMaxHeatstress, features.DaysExtremeHeat, features.SPIDrought}
}

// StatisticsService serves descriptive views of the stored data.
type StatisticsService struct {
	data    Dataset
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// WeatherTrend is a set of yearly feature series plus raw weather aggregates.
type WeatherTrend struct {
	Years   []int                  `json:"years"`
	Series  map[string][]*float64  `json:"series"`
	Weather []models.YearlyWeather `json:"weather,omitempty"`
}

// AvailableYears lists feature years and the subset with an observed yield.
type AvailableYears struct {
	Available []int `json:"available_years"`
	WithYield []int `json:"years_with_yield_data"`
	MinYear   int   `json:"min_year"`
	MaxYear   int   `json:"max_year"`
}

// NewStatisticsService creates a new statistics service
func NewStatisticsService(data Dataset, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *StatisticsService {
	return &StatisticsService{
		data:    data,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// WeatherTrend returns columns of the feature table per year, with the yearly
// weather aggregates over the same span. Missing cells are null.
func (s *StatisticsService) WeatherTrend(ctx context.Context, columns []string) (*WeatherTrend, error) {
	startTime := time.Now()
	if len(columns) == 0 {
		columns = DefaultTrendColumns()
	}
	table, err := s.data.Features(ctx)
	if err != nil {
		return nil, err
	}

	trend := &WeatherTrend{Years: table.Years(), Series: make(map[string][]*float64, len(columns))}
	for _, c := range columns {
		values, err := table.Column(c)
		if err != nil {
			return nil, &models.MissingColumnError{Stage: "trend", Column: c}
		}
		series := make([]*float64, len(values))
		for i, v := range values {
			series[i] = finite(v)
		}
		trend.Series[c] = series
	}

	if n := len(trend.Years); n > 0 {
		trend.Weather, err = s.data.YearlyWeather(ctx, trend.Years[0], trend.Years[n-1])
		if err != nil {
			return nil, err
		}
	}

	s.logger.Debug(ctx, "[STATS_TREND] Weather trend computed", logging.Fields{
		"columns":     columns,
		"years":       len(trend.Years),
		"duration_ms": time.Since(startTime).Milliseconds(),
	})
	return trend, nil
}

// Years lists the years the API can answer for.
func (s *StatisticsService) Years(ctx context.Context) (*AvailableYears, error) {
	table, err := s.data.Features(ctx)
	if err != nil {
		return nil, err
	}
	years := table.Years()
	if len(years) == 0 {
		return nil, &models.NotFoundError{Resource: "feature year", ID: "*"}
	}
	yields, err := s.data.Yields(ctx)
	if err != nil {
		return nil, err
	}

	out := &AvailableYears{
		Available: years,
		WithYield: make([]int, 0, len(yields)),
		MinYear:   years[0],
		MaxYear:   years[len(years)-1],
	}
	for _, y := range yields {
		out.WithYield = append(out.WithYield, y.Year)
	}
	return out, nil
}
