package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"robusta-yield/internal/ingest"
	"robusta-yield/internal/models"
	"robusta-yield/internal/repository"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

// Source labels stored with each daily row.
const (
	SourceCSV     = "csv"
	SourceArchive = "open-meteo"
)

// WeatherFetcher retrieves a daily record for an inclusive date range.
type WeatherFetcher interface {
	FetchRange(ctx context.Context, start, end time.Time) (*models.DailyTable, error)
}

// IngestionService loads daily weather and yields into the repository.
type IngestionService struct {
	repo    repository.WeatherRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// IngestionResult contains ingestion statistics
type IngestionResult struct {
	Source   string
	Records  int
	Batches  int
	FirstDay time.Time
	LastDay  time.Time
	Duration time.Duration
	// SkippedYears lists requested years that came back without any rows.
	SkippedYears []int
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(repo repository.WeatherRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	return &IngestionService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// IngestDailyCSV reads a daily weather CSV and upserts it in batches.
func (s *IngestionService) IngestDailyCSV(ctx context.Context, path string, batchSize int) (*IngestionResult, error) {
	s.logger.Info(ctx, "[INGEST_START] Reading daily weather file", logging.Fields{
		"path":       path,
		"batch_size": batchSize,
		"stage":      "ingest",
	})

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	table, err := ingest.ReadDailyCSV(file)
	if err != nil {
		s.metrics.RecordIngestionError("parse_error")
		return nil, &models.StageError{Stage: "ingest", Err: err}
	}
	return s.IngestTable(ctx, table, SourceCSV, batchSize)
}

// FetchArchive pulls [start, end] from fetcher and upserts the result.
func (s *IngestionService) FetchArchive(ctx context.Context, fetcher WeatherFetcher, start, end time.Time, batchSize int) (*IngestionResult, error) {
	s.logger.Info(ctx, "[INGEST_START] Fetching archive weather", logging.Fields{
		"start": start.Format("2006-01-02"),
		"end":   end.Format("2006-01-02"),
		"stage": "fetch",
	})

	table, err := fetcher.FetchRange(ctx, start, end)
	if err != nil {
		s.metrics.RecordIngestionError("fetch_error")
		return nil, &models.StageError{Stage: "fetch", Err: err}
	}

	result, err := s.IngestTable(ctx, table, SourceArchive, batchSize)
	if err != nil {
		return nil, err
	}
	result.SkippedYears = missingYears(start.Year(), end.Year(), table.Years())
	if len(result.SkippedYears) > 0 {
		s.logger.Warn(ctx, "[INGEST_GAPS] Archive years missing from fetch", logging.Fields{
			"skipped_years": result.SkippedYears,
			"stage":         "fetch",
		})
	}
	return result, nil
}

// missingYears returns the years in [first, last] absent from present.
func missingYears(first, last int, present []int) []int {
	have := make(map[int]bool, len(present))
	for _, y := range present {
		have[y] = true
	}
	var missing []int
	for y := first; y <= last; y++ {
		if !have[y] {
			missing = append(missing, y)
		}
	}
	return missing
}

// IngestTable upserts every row of table in batches of batchSize.
func (s *IngestionService) IngestTable(ctx context.Context, table *models.DailyTable, source string, batchSize int) (*IngestionResult, error) {
	if batchSize < 1 {
		return nil, &models.ValidationError{Field: "batch_size", Value: fmt.Sprint(batchSize), Message: "must be positive"}
	}

	startTime := time.Now()
	result := &IngestionResult{Source: source}
	observations := table.Observations(source)
	if len(observations) > 0 {
		result.FirstDay = observations[0].Date
		result.LastDay = observations[len(observations)-1].Date
	}

	for start := 0; start < len(observations); start += batchSize {
		end := start + batchSize
		if end > len(observations) {
			end = len(observations)
		}
		batch := observations[start:end]
		if err := s.repo.UpsertObservationsBatch(ctx, batch); err != nil {
			s.metrics.RecordIngestionError("db_error")
			s.logger.Error(ctx, "[INGEST_BATCH_ERROR] Batch upsert failed", logging.Fields{
				"batch":  result.Batches,
				"offset": start,
				"source": source,
			}, err)
			return nil, fmt.Errorf("failed to insert batch at offset %d: %w", start, err)
		}
		result.Records += len(batch)
		result.Batches++
		s.metrics.RecordIngested(source, len(batch))
	}

	result.Duration = time.Since(startTime)
	s.logger.Info(ctx, "[INGEST_COMPLETE] Daily weather ingested", logging.Fields{
		"source":      source,
		"records":     result.Records,
		"batches":     result.Batches,
		"years":       len(table.Years()),
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

// IngestYieldsCSV reads annual yields and upserts them.
func (s *IngestionService) IngestYieldsCSV(ctx context.Context, path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	yields, err := ingest.ReadYieldsCSV(file)
	if err != nil {
		s.metrics.RecordIngestionError("parse_error")
		return 0, &models.StageError{Stage: "ingest", Err: err}
	}
	if err := s.repo.UpsertYields(ctx, yields); err != nil {
		s.metrics.RecordIngestionError("db_error")
		return 0, err
	}
	s.metrics.RecordIngested("yields", len(yields))

	s.logger.Info(ctx, "[INGEST_YIELDS] Yield records ingested", logging.Fields{
		"path":  path,
		"count": len(yields),
	})
	return len(yields), nil
}
