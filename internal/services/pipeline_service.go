package services

import (
	"context"
	"errors"
	"fmt"

	"robusta-yield/internal/artifact"
	"robusta-yield/internal/evaluation"
	"robusta-yield/internal/features"
	"robusta-yield/internal/model"
	"robusta-yield/internal/models"
	"robusta-yield/internal/repository"
	"robusta-yield/internal/validation"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

// PipelineService runs feature extraction, backtests and final training.
type PipelineService struct {
	engine  *validation.Engine
	runs    repository.BacktestRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// BacktestReport is a finished validation run with its summary. Summary is
// nil when every fold was skipped.
type BacktestReport struct {
	Run     *validation.Run
	Summary *evaluation.Summary
	Record  *models.BacktestRun
}

// NewPipelineService creates a pipeline service. runs may be nil, in which
// case backtests are not persisted.
func NewPipelineService(runs repository.BacktestRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *PipelineService {
	return &PipelineService{
		engine:  validation.NewEngine(logger, metricsCollector),
		runs:    runs,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// BuildFeatures extracts stage features from daily and appends the anomaly
// columns. Any failure is fatal; there is no partial table.
func (s *PipelineService) BuildFeatures(ctx context.Context, daily *models.DailyTable, ex features.ExtractorConfig, norm features.NormalizerConfig) (*models.FeatureTable, error) {
	timer := s.metrics.StageTimer("extract")
	table, err := features.Extract(daily, ex)
	elapsed := timer.ObserveDuration()
	if err != nil {
		s.logger.Error(ctx, "[FEATURES_FAILED] Feature extraction failed", logging.Fields{"stage": "extract"}, err)
		return nil, &models.StageError{Stage: "extract", Err: err}
	}
	s.logger.Info(ctx, "[FEATURES_EXTRACTED] Stage features extracted", logging.Fields{
		"stage":       "extract",
		"days":        daily.Len(),
		"years":       table.Len(),
		"columns":     len(table.Columns()),
		"duration_ms": elapsed.Milliseconds(),
	})

	timer = s.metrics.StageTimer("normalize")
	table, err = features.Normalize(table, norm)
	timer.ObserveDuration()
	if err != nil {
		s.logger.Error(ctx, "[FEATURES_FAILED] Normalization failed", logging.Fields{"stage": "normalize"}, err)
		return nil, &models.StageError{Stage: "normalize", Err: err}
	}

	missing := table.MissingCount()
	s.metrics.FeatureMissingValues.Set(float64(missing))
	fields := logging.Fields{
		"years":   table.Len(),
		"columns": len(table.Columns()),
		"missing": missing,
	}
	if missing > 0 {
		fields["missing_by_column"] = table.MissingByColumn()
		s.logger.Warn(ctx, "[FEATURES_MISSING] Feature table has missing values", fields)
	} else {
		s.logger.Info(ctx, "[FEATURES_BUILT] Feature table complete", fields)
	}
	return table, nil
}

// Backtest runs one validation protocol, summarizes it and, when a run
// repository is configured, stores the run.
func (s *PipelineService) Backtest(ctx context.Context, set *models.LabeledSet, featureNames []string, cfg validation.Config) (*BacktestReport, error) {
	timer := s.metrics.StageTimer("validate")
	run, err := s.engine.Run(ctx, set, featureNames, cfg)
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}

	report := &BacktestReport{Run: run}
	summary, err := evaluation.Summarize(run.Results())
	switch {
	case errors.Is(err, evaluation.ErrNoResults):
		s.logger.Warn(ctx, "[BACKTEST_EMPTY] Every fold was skipped", logging.Fields{
			"protocol": cfg.Protocol.String(),
			"skipped":  len(run.Skipped),
		})
	case err != nil:
		return nil, err
	default:
		report.Summary = &summary
		s.metrics.SetBacktestMAPE(cfg.Protocol.String(), summary.MAPE)
		s.logger.Info(ctx, "[BACKTEST_SUMMARY] Validation summarized", logging.Fields{
			"protocol": cfg.Protocol.String(),
			"years":    summary.Years,
			"mae":      summary.MAE,
			"rmse":     summary.RMSE,
			"mape":     summary.MAPE,
			"grade":    string(summary.Grade),
			"verdict":  string(summary.Verdict),
		})
	}

	report.Record = newBacktestRecord(run, report.Summary)
	if s.runs != nil {
		if err := s.runs.SaveRun(ctx, report.Record, run.Results()); err != nil {
			return nil, fmt.Errorf("failed to store backtest run: %w", err)
		}
	}
	return report, nil
}

// TrainFinal fits the deployable estimator on every labeled year.
func (s *PipelineService) TrainFinal(ctx context.Context, set *models.LabeledSet, featureNames []string, params model.Params) (*model.Estimator, error) {
	timer := s.metrics.StageTimer("train")
	est, err := model.Train(set, featureNames, set.Years, model.BoostingFactory(params))
	elapsed := timer.ObserveDuration()
	if err != nil {
		return nil, &models.StageError{Stage: "train", Err: err}
	}

	s.logger.Info(ctx, "[TRAIN_COMPLETE] Final model trained", logging.Fields{
		"stage":       "train",
		"years":       len(est.TrainedYears),
		"features":    est.Features,
		"duration_ms": elapsed.Milliseconds(),
	})
	return est, nil
}

// Publish writes est to store under key.
func (s *PipelineService) Publish(ctx context.Context, store artifact.Store, key string, est *model.Estimator) error {
	if err := artifact.SaveEstimator(ctx, store, key, est); err != nil {
		return &models.StageError{Stage: "persist", Err: err}
	}
	s.logger.Info(ctx, "[MODEL_PUBLISHED] Model artifact stored", logging.Fields{"key": key})
	return nil
}

func newBacktestRecord(run *validation.Run, summary *evaluation.Summary) *models.BacktestRun {
	rec := &models.BacktestRun{
		ID:           run.ID.String(),
		Protocol:     run.Protocol.String(),
		Features:     run.Features,
		ScoredFolds:  len(run.Folds),
		SkippedFolds: len(run.Skipped),
		StartedAt:    run.StartedAt,
		DurationMs:   run.Duration.Milliseconds(),
	}
	if summary != nil {
		mae, rmse, mape := summary.MAE, summary.RMSE, summary.MAPE
		grade, verdict := string(summary.Grade), string(summary.Verdict)
		rec.MAE, rec.RMSE, rec.MAPE = &mae, &rmse, &mape
		rec.R2 = summary.R2
		rec.Grade, rec.Verdict = &grade, &verdict
	}
	return rec
}
