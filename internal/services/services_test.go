package services

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robusta-yield/internal/features"
	"robusta-yield/internal/model"
	"robusta-yield/internal/models"
	"robusta-yield/internal/repository"
	"robusta-yield/internal/synthetic"
	"robusta-yield/internal/validation"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

func quietLogger() *logging.StructuredLogger {
	l := logging.NewStructuredLogger("services-test", "test", logging.ErrorLevel)
	l.SetOutput(io.Discard)
	return l
}

func testMetrics() *metrics.Collector {
	return metrics.NewCollector("test", prometheus.NewRegistry())
}

// memoryRepo is an in-memory WeatherRepository.
type memoryRepo struct {
	mu        sync.Mutex
	batches   [][]models.DailyObservation
	days      map[time.Time]models.DailyObservation
	yields    []models.YieldRecord
	features  *models.FeatureTable
	failAfter int
	healthErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{days: make(map[time.Time]models.DailyObservation), failAfter: -1}
}

func (r *memoryRepo) UpsertObservationsBatch(ctx context.Context, obs []models.DailyObservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter >= 0 && len(r.batches) >= r.failAfter {
		return errors.New("connection reset")
	}
	r.batches = append(r.batches, append([]models.DailyObservation(nil), obs...))
	for _, o := range obs {
		r.days[o.Date] = o
	}
	return nil
}

func (r *memoryRepo) GetObservations(ctx context.Context, filter repository.ObservationFilter) ([]models.DailyObservation, error) {
	return nil, nil
}

func (r *memoryRepo) YearlyWeather(ctx context.Context, startYear, endYear int) ([]models.YearlyWeather, error) {
	return nil, nil
}

func (r *memoryRepo) UpsertYields(ctx context.Context, yields []models.YieldRecord) error {
	r.yields = append(r.yields, yields...)
	return nil
}

func (r *memoryRepo) ListYields(ctx context.Context) ([]models.YieldRecord, error) {
	return r.yields, nil
}

func (r *memoryRepo) ReplaceFeatures(ctx context.Context, table *models.FeatureTable) error {
	r.features = table
	return nil
}

func (r *memoryRepo) LoadFeatures(ctx context.Context) (*models.FeatureTable, error) {
	if r.features == nil {
		return nil, &models.NotFoundError{Resource: "yearly_features", ID: "*"}
	}
	return r.features, nil
}

func (r *memoryRepo) HealthCheck(ctx context.Context) error { return r.healthErr }

// memoryRuns is an in-memory BacktestRepository.
type memoryRuns struct {
	saved   []*models.BacktestRun
	results map[string][]models.FoldResult
}

func (r *memoryRuns) SaveRun(ctx context.Context, run *models.BacktestRun, results []models.FoldResult) error {
	if r.results == nil {
		r.results = make(map[string][]models.FoldResult)
	}
	r.saved = append(r.saved, run)
	r.results[run.ID] = results
	return nil
}

func (r *memoryRuns) GetRun(ctx context.Context, id string) (*models.BacktestRun, []models.FoldResult, error) {
	for _, run := range r.saved {
		if run.ID == id {
			return run, r.results[id], nil
		}
	}
	return nil, nil, &models.NotFoundError{Resource: "backtest run", ID: id}
}

func (r *memoryRuns) ListRuns(ctx context.Context, protocol string, limit int) ([]*models.BacktestRun, error) {
	return r.saved, nil
}

type stubFetcher struct {
	table *models.DailyTable
	err   error
}

func (f stubFetcher) FetchRange(ctx context.Context, start, end time.Time) (*models.DailyTable, error) {
	return f.table, f.err
}

func TestIngestionService_IngestTableBatches(t *testing.T) {
	repo := newMemoryRepo()
	m := testMetrics()
	svc := NewIngestionService(repo, quietLogger(), m)

	daily := synthetic.Generate(synthetic.ConstantProfile(2020, 2020)).Daily
	res, err := svc.IngestTable(context.Background(), daily, SourceCSV, 100)
	require.NoError(t, err)

	assert.Equal(t, 366, res.Records)
	assert.Equal(t, 4, res.Batches)
	assert.Len(t, repo.batches[3], 66)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), res.FirstDay)
	assert.Equal(t, 366.0, testutil.ToFloat64(m.IngestionRecordsTotal.WithLabelValues(SourceCSV)))
}

func TestIngestionService_BatchFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.failAfter = 1
	m := testMetrics()
	svc := NewIngestionService(repo, quietLogger(), m)

	daily := synthetic.Generate(synthetic.ConstantProfile(2020, 2020)).Daily
	_, err := svc.IngestTable(context.Background(), daily, SourceCSV, 200)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 200")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestionErrorsTotal.WithLabelValues("db_error")))
}

func TestIngestionService_RejectsBadBatchSize(t *testing.T) {
	svc := NewIngestionService(newMemoryRepo(), quietLogger(), testMetrics())
	_, err := svc.IngestTable(context.Background(), models.NewDailyTable(models.FieldRain), SourceCSV, 0)
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestIngestionService_CSVFiles(t *testing.T) {
	dir := t.TempDir()
	weather := filepath.Join(dir, "weather.csv")
	require.NoError(t, os.WriteFile(weather, []byte(
		"date,temp_max,temp_min,rain,humidity,radiation,soil_0_7\n"+
			"2021-01-01,30,20,0,70,18,0.3\n"+
			"2021-01-02,31,21,,72,19,0.31\n"), 0o644))
	yields := filepath.Join(dir, "yield.csv")
	require.NoError(t, os.WriteFile(yields, []byte("year,yield_ton_ha\n2020,2.4\n2021,2.6\n"), 0o644))

	repo := newMemoryRepo()
	svc := NewIngestionService(repo, quietLogger(), testMetrics())

	res, err := svc.IngestDailyCSV(context.Background(), weather, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)
	day2 := repo.days[time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)]
	assert.Nil(t, day2.Rain, "empty cells are stored as NULL")
	require.NotNil(t, day2.SoilMoistureShallow)
	assert.Equal(t, 0.31, *day2.SoilMoistureShallow)

	n, err := svc.IngestYieldsCSV(context.Background(), yields)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, repo.yields, 2)
}

func TestIngestionService_MalformedCSVIsStageError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather.csv")
	require.NoError(t, os.WriteFile(path, []byte("temp_max,rain\n30,1\n"), 0o644))

	svc := NewIngestionService(newMemoryRepo(), quietLogger(), testMetrics())
	_, err := svc.IngestDailyCSV(context.Background(), path, 10)
	var se *models.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ingest", se.Stage)
}

func TestIngestionService_FetchArchive(t *testing.T) {
	daily := synthetic.Generate(synthetic.ConstantProfile(2019, 2019)).Daily
	repo := newMemoryRepo()
	svc := NewIngestionService(repo, quietLogger(), testMetrics())

	res, err := svc.FetchArchive(context.Background(), stubFetcher{table: daily}, time.Time{}, time.Time{}, 500)
	require.NoError(t, err)
	assert.Equal(t, SourceArchive, res.Source)
	assert.Equal(t, 365, res.Records)

	_, err = svc.FetchArchive(context.Background(), stubFetcher{err: errors.New("timeout")}, time.Time{}, time.Time{}, 500)
	var se *models.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "fetch", se.Stage)
}

func TestIngestionService_FetchArchiveReportsSkippedYears(t *testing.T) {
	first := synthetic.Generate(synthetic.ConstantProfile(2020, 2020)).Daily.Observations(SourceArchive)
	last := synthetic.Generate(synthetic.ConstantProfile(2022, 2022)).Daily.Observations(SourceArchive)
	daily := models.DailyTableFromObservations(append(first, last...))

	svc := NewIngestionService(newMemoryRepo(), quietLogger(), testMetrics())
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC)
	res, err := svc.FetchArchive(context.Background(), stubFetcher{table: daily}, start, end, 500)
	require.NoError(t, err)
	assert.Equal(t, 731, res.Records)
	assert.Equal(t, []int{2021}, res.SkippedYears)

	full := synthetic.Generate(synthetic.ConstantProfile(2020, 2022)).Daily
	res, err = svc.FetchArchive(context.Background(), stubFetcher{table: full}, start, end, 500)
	require.NoError(t, err)
	assert.Empty(t, res.SkippedYears)
}

// seasonalData builds daily weather and yields that respond to it.
func seasonalData(start, end int) (*models.DailyTable, []models.YieldRecord) {
	ds := synthetic.Generate(synthetic.HighlandProfile(start, end, 21))
	return ds.Daily, synthetic.ResponsiveYields(ds, start, end, 4)
}

func fastParams() model.Params {
	p := model.DefaultParams()
	p.NEstimators = 40
	return p
}

func TestPipelineService_BuildFeatures(t *testing.T) {
	daily, _ := seasonalData(2000, 2012)
	m := testMetrics()
	svc := NewPipelineService(nil, quietLogger(), m)

	table, err := svc.BuildFeatures(context.Background(), daily, features.DefaultExtractorConfig(false), features.DefaultNormalizerConfig())
	require.NoError(t, err)
	assert.Equal(t, 13, table.Len())
	assert.True(t, table.HasColumn(features.RainBloom+features.AnomalySuffix))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.FeatureMissingValues))
}

func TestPipelineService_BuildFeaturesMissingColumn(t *testing.T) {
	daily := models.NewDailyTable(models.FieldRain)
	daily.Append(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), 1)

	svc := NewPipelineService(nil, quietLogger(), testMetrics())
	_, err := svc.BuildFeatures(context.Background(), daily, features.DefaultExtractorConfig(false), features.DefaultNormalizerConfig())

	var se *models.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "extract", se.Stage)
	var mc *models.MissingColumnError
	assert.ErrorAs(t, err, &mc)
}

func TestPipelineService_BacktestStoresRun(t *testing.T) {
	daily, yields := seasonalData(2000, 2012)
	runs := &memoryRuns{}
	m := testMetrics()
	svc := NewPipelineService(runs, quietLogger(), m)

	table, err := svc.BuildFeatures(context.Background(), daily, features.DefaultExtractorConfig(false), features.DefaultNormalizerConfig())
	require.NoError(t, err)
	set, err := models.JoinYields(table, yields)
	require.NoError(t, err)

	cfg := validation.DefaultConfig(validation.WalkForward)
	cfg.Params = fastParams()
	cfg.WalkForwardYears = 3

	report, err := svc.Backtest(context.Background(), set, features.DefaultModelFeatures(), cfg)
	require.NoError(t, err)
	require.NotNil(t, report.Summary)
	assert.Equal(t, 3, report.Summary.Years)

	require.Len(t, runs.saved, 1)
	rec := runs.saved[0]
	assert.Equal(t, "walk-forward", rec.Protocol)
	assert.Equal(t, 3, rec.ScoredFolds)
	require.NotNil(t, rec.MAPE)
	assert.Equal(t, report.Summary.MAPE, *rec.MAPE)
	assert.Len(t, runs.results[rec.ID], 3)
	assert.Equal(t, report.Summary.MAPE, testutil.ToFloat64(m.BacktestMAPE.WithLabelValues("walk-forward")))
}

func TestPipelineService_TrainFinal(t *testing.T) {
	daily, yields := seasonalData(2000, 2010)
	svc := NewPipelineService(nil, quietLogger(), testMetrics())

	table, err := svc.BuildFeatures(context.Background(), daily, features.DefaultExtractorConfig(false), features.DefaultNormalizerConfig())
	require.NoError(t, err)
	set, err := models.JoinYields(table, yields)
	require.NoError(t, err)

	est, err := svc.TrainFinal(context.Background(), set, features.DefaultModelFeatures(), fastParams())
	require.NoError(t, err)
	assert.Equal(t, set.Years, est.TrainedYears)
	assert.Equal(t, features.DefaultModelFeatures(), est.Features)

	_, err = svc.TrainFinal(context.Background(), set, nil, fastParams())
	var se *models.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "train", se.Stage)
}
