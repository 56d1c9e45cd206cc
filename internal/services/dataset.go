package services

import (
	"context"

	"robusta-yield/internal/models"
	"robusta-yield/internal/repository"
)

// Dataset is the read side the serving API needs: the yearly feature table,
// observed yields and per-year weather aggregates.
type Dataset interface {
	Features(ctx context.Context) (*models.FeatureTable, error)
	Yields(ctx context.Context) ([]models.YieldRecord, error)
	YearlyWeather(ctx context.Context, startYear, endYear int) ([]models.YearlyWeather, error)
	Observations(ctx context.Context, filter repository.ObservationFilter) ([]models.DailyObservation, error)
	HealthCheck(ctx context.Context) error
}

// RepositoryDataset serves a Dataset from the Postgres repository.
type RepositoryDataset struct {
	repo repository.WeatherRepository
}

// NewRepositoryDataset wraps repo.
func NewRepositoryDataset(repo repository.WeatherRepository) *RepositoryDataset {
	return &RepositoryDataset{repo: repo}
}

func (d *RepositoryDataset) Features(ctx context.Context) (*models.FeatureTable, error) {
	return d.repo.LoadFeatures(ctx)
}

func (d *RepositoryDataset) Yields(ctx context.Context) ([]models.YieldRecord, error) {
	return d.repo.ListYields(ctx)
}

func (d *RepositoryDataset) YearlyWeather(ctx context.Context, startYear, endYear int) ([]models.YearlyWeather, error) {
	return d.repo.YearlyWeather(ctx, startYear, endYear)
}

func (d *RepositoryDataset) Observations(ctx context.Context, filter repository.ObservationFilter) ([]models.DailyObservation, error) {
	return d.repo.GetObservations(ctx, filter)
}

func (d *RepositoryDataset) HealthCheck(ctx context.Context) error {
	return d.repo.HealthCheck(ctx)
}

// MemoryDataset is an immutable in-process Dataset, used by the demo and tests.
// Daily may be nil, in which case no weather aggregates are served.
type MemoryDataset struct {
	Table  *models.FeatureTable
	Labels []models.YieldRecord
	Daily  *models.DailyTable
}

func (d *MemoryDataset) Features(ctx context.Context) (*models.FeatureTable, error) {
	if d.Table == nil {
		return nil, &models.NotFoundError{Resource: "yearly_features", ID: "*"}
	}
	return d.Table, nil
}

func (d *MemoryDataset) Yields(ctx context.Context) ([]models.YieldRecord, error) {
	return d.Labels, nil
}

// YearlyWeather summarizes Daily. Zero bounds are open.
func (d *MemoryDataset) YearlyWeather(ctx context.Context, startYear, endYear int) ([]models.YearlyWeather, error) {
	if d.Daily == nil {
		return nil, nil
	}
	var out []models.YearlyWeather
	for _, w := range models.SummarizeYears(d.Daily) {
		if (startYear == 0 || w.Year >= startYear) && (endYear == 0 || w.Year <= endYear) {
			out = append(out, w)
		}
	}
	return out, nil
}

// Observations pages through Daily the way the repository query does.
func (d *MemoryDataset) Observations(ctx context.Context, filter repository.ObservationFilter) ([]models.DailyObservation, error) {
	if d.Daily == nil {
		return nil, nil
	}
	var out []models.DailyObservation
	for _, o := range d.Daily.Observations("memory") {
		if filter.StartDate != nil && o.Date.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && o.Date.After(*filter.EndDate) {
			continue
		}
		out = append(out, o)
	}
	if filter.Limit > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		end := filter.Offset + filter.Limit
		if end > len(out) {
			end = len(out)
		}
		out = out[filter.Offset:end]
	}
	return out, nil
}

func (d *MemoryDataset) HealthCheck(ctx context.Context) error { return nil }
