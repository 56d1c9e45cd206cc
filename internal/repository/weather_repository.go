package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"robusta-yield/internal/models"
	"robusta-yield/pkg/database"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

// WeatherRepository provides data access for the daily record, yields and yearly features.
type WeatherRepository interface {
	// Daily weather
	UpsertObservationsBatch(ctx context.Context, observations []models.DailyObservation) error
	GetObservations(ctx context.Context, filter ObservationFilter) ([]models.DailyObservation, error)
	YearlyWeather(ctx context.Context, startYear, endYear int) ([]models.YearlyWeather, error)

	// Yields
	UpsertYields(ctx context.Context, yields []models.YieldRecord) error
	ListYields(ctx context.Context) ([]models.YieldRecord, error)

	// Yearly features
	ReplaceFeatures(ctx context.Context, table *models.FeatureTable) error
	LoadFeatures(ctx context.Context) (*models.FeatureTable, error)

	HealthCheck(ctx context.Context) error
}

// ObservationFilter restricts GetObservations. Nil bounds are open.
type ObservationFilter struct {
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}

// weatherRepository implements WeatherRepository
type weatherRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWeatherRepository creates a new weather repository
func NewWeatherRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) WeatherRepository {
	return &weatherRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

const upsertObservation = `
	INSERT INTO daily_weather (
		observation_date, temp_max, temp_min, rain, humidity, radiation,
		soil_moisture_shallow, source, created_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (observation_date) DO UPDATE SET
		temp_max = EXCLUDED.temp_max,
		temp_min = EXCLUDED.temp_min,
		rain = EXCLUDED.rain,
		humidity = EXCLUDED.humidity,
		radiation = EXCLUDED.radiation,
		soil_moisture_shallow = EXCLUDED.soil_moisture_shallow,
		source = EXCLUDED.source
`

// UpsertObservationsBatch writes days in a single transaction. Existing dates are overwritten.
func (r *weatherRepository) UpsertObservationsBatch(ctx context.Context, observations []models.DailyObservation) error {
	if len(observations) == 0 {
		return nil
	}

	start := time.Now()
	err := r.db.InTx(ctx, "upsert_observations", func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertObservation)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for i := range observations {
			obs := &observations[i]
			created := obs.CreatedAt
			if created.IsZero() {
				created = now
			}
			if _, err := stmt.ExecContext(ctx,
				obs.Date,
				obs.TempMax,
				obs.TempMin,
				obs.Rain,
				obs.Humidity,
				obs.Radiation,
				obs.SoilMoistureShallow,
				obs.Source,
				created,
			); err != nil {
				return fmt.Errorf("failed to upsert observation %s: %w", obs.Date.Format("2006-01-02"), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.metrics.IngestionBatchSize.Observe(float64(len(observations)))
	r.logger.Debug(ctx, "[REPO_BATCH_UPSERT] Batch upsert completed", logging.Fields{
		"count":       len(observations),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// buildObservationQuery renders the filtered select and its arguments.
func buildObservationQuery(filter ObservationFilter) (string, []interface{}) {
	query := `
		SELECT id, observation_date, temp_max, temp_min, rain, humidity, radiation,
		       soil_moisture_shallow, source, created_at
		FROM daily_weather
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.StartDate != nil {
		query += fmt.Sprintf(" AND observation_date >= $%d", argNum)
		args = append(args, *filter.StartDate)
		argNum++
	}
	if filter.EndDate != nil {
		query += fmt.Sprintf(" AND observation_date <= $%d", argNum)
		args = append(args, *filter.EndDate)
		argNum++
	}

	query += " ORDER BY observation_date"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
		args = append(args, filter.Limit, filter.Offset)
	}
	return query, args
}

// GetObservations returns days in ascending date order.
func (r *weatherRepository) GetObservations(ctx context.Context, filter ObservationFilter) ([]models.DailyObservation, error) {
	query, args := buildObservationQuery(filter)

	var observations []models.DailyObservation
	if err := r.db.SelectContext(ctx, "get_observations", &observations, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get observations: %w", err)
	}
	return observations, nil
}

// YearlyWeather aggregates the daily record per year. Zero bounds are open.
func (r *weatherRepository) YearlyWeather(ctx context.Context, startYear, endYear int) ([]models.YearlyWeather, error) {
	query := `
		SELECT
			EXTRACT(YEAR FROM observation_date)::int AS year,
			COUNT(*) AS days,
			AVG(temp_max) AS avg_temp_max,
			AVG(temp_min) AS avg_temp_min,
			SUM(rain) AS total_rain,
			AVG(humidity) AS avg_humidity,
			AVG(soil_moisture_shallow) AS avg_soil_moisture,
			SUM(radiation) AS total_radiation
		FROM daily_weather
		WHERE ($1 = 0 OR EXTRACT(YEAR FROM observation_date) >= $1)
		  AND ($2 = 0 OR EXTRACT(YEAR FROM observation_date) <= $2)
		GROUP BY 1
		ORDER BY 1
	`

	var out []models.YearlyWeather
	if err := r.db.SelectContext(ctx, "yearly_weather", &out, query, startYear, endYear); err != nil {
		return nil, fmt.Errorf("failed to aggregate yearly weather: %w", err)
	}
	return out, nil
}

// UpsertYields writes observed yields keyed by year.
func (r *weatherRepository) UpsertYields(ctx context.Context, yields []models.YieldRecord) error {
	if len(yields) == 0 {
		return nil
	}
	return r.db.InTx(ctx, "upsert_yields", func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		for _, y := range yields {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO yield_records (year, yield_tons_per_hectare, created_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (year) DO UPDATE SET yield_tons_per_hectare = EXCLUDED.yield_tons_per_hectare
			`, y.Year, y.YieldTonsPerHectare, now); err != nil {
				return fmt.Errorf("failed to upsert yield %d: %w", y.Year, err)
			}
		}
		return nil
	})
}

// ListYields returns every stored yield, ascending by year.
func (r *weatherRepository) ListYields(ctx context.Context) ([]models.YieldRecord, error) {
	var out []models.YieldRecord
	err := r.db.SelectContext(ctx, "list_yields", &out, `
		SELECT year, yield_tons_per_hectare, created_at
		FROM yield_records
		ORDER BY year
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list yields: %w", err)
	}
	return out, nil
}

// ReplaceFeatures swaps the stored feature table for table atomically.
func (r *weatherRepository) ReplaceFeatures(ctx context.Context, table *models.FeatureTable) error {
	cells := table.Long()
	ordinal := make(map[string]int)
	for i, c := range table.Columns() {
		ordinal[c] = i
	}
	err := r.db.InTx(ctx, "replace_features", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM yearly_features`); err != nil {
			return fmt.Errorf("failed to clear features: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO yearly_features (year, feature, ordinal, value) VALUES ($1, $2, $3, $4)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, c := range cells {
			if _, err := stmt.ExecContext(ctx, c.Year, c.Feature, ordinal[c.Feature], c.Value); err != nil {
				return fmt.Errorf("failed to insert feature %s/%d: %w", c.Feature, c.Year, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info(ctx, "[REPO_FEATURES_REPLACED] Yearly features stored", logging.Fields{
		"years":   table.Len(),
		"columns": len(table.Columns()),
		"cells":   len(cells),
	})
	return nil
}

// LoadFeatures rebuilds the stored feature table. An empty store is a NotFoundError.
func (r *weatherRepository) LoadFeatures(ctx context.Context) (*models.FeatureTable, error) {
	var cells []models.FeatureValue
	err := r.db.SelectContext(ctx, "load_features", &cells, `
		SELECT year, feature, value
		FROM yearly_features
		ORDER BY year, ordinal
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load features: %w", err)
	}
	if len(cells) == 0 {
		return nil, &models.NotFoundError{Resource: "yearly_features", ID: "*"}
	}
	return models.FeatureTableFromLong(cells), nil
}

// HealthCheck performs a repository health check
func (r *weatherRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// notFound maps sql.ErrNoRows to a NotFoundError.
func notFound(err error, resource, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &models.NotFoundError{Resource: resource, ID: id}
	}
	return err
}
