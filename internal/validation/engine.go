package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"robusta-yield/internal/model"
	"robusta-yield/internal/models"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

// FoldOutcome is a scored fold. The fold's model is discarded once scored;
// only its scaler statistics and importance are kept for reporting.
type FoldOutcome struct {
	Fold       Fold                  `json:"fold"`
	Scaler     *model.StandardScaler `json:"scaler"`
	Importance []float64             `json:"importance,omitempty"`
	Results    []models.FoldResult   `json:"results"`
	Duration   time.Duration         `json:"duration"`
}

// SkippedFold records a fold that did not produce results and why.
type SkippedFold struct {
	Fold Fold  `json:"fold"`
	Err  error `json:"-"`
}

// Run is the outcome of one protocol over one labeled set.
type Run struct {
	ID        uuid.UUID     `json:"id"`
	Protocol  Protocol      `json:"protocol"`
	Features  []string      `json:"features"`
	Folds     []FoldOutcome `json:"folds"`
	Skipped   []SkippedFold `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Results flattens fold results in fold order.
func (r *Run) Results() []models.FoldResult {
	var out []models.FoldResult
	for _, f := range r.Folds {
		out = append(out, f.Results...)
	}
	return out
}

// MeanImportance averages fold importances over folds that reported one.
func (r *Run) MeanImportance() (map[string]float64, bool) {
	sum := make([]float64, len(r.Features))
	n := 0
	for _, f := range r.Folds {
		if len(f.Importance) != len(r.Features) {
			continue
		}
		for i, v := range f.Importance {
			sum[i] += v
		}
		n++
	}
	if n == 0 {
		return nil, false
	}
	out := make(map[string]float64, len(sum))
	for i, name := range r.Features {
		out[name] = sum[i] / float64(n)
	}
	return out, true
}

// Engine runs backtests. Folds share only read-only inputs; every fold fits
// its own scaler and model.
type Engine struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	factory func(model.Params) model.Factory
}

// NewEngine creates an engine that trains gradient-boosted models.
func NewEngine(logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Engine {
	return &Engine{
		logger:  logger,
		metrics: metricsCollector,
		factory: model.BoostingFactory,
	}
}

// Run executes cfg.Protocol over set using the given feature columns.
// Structural problems such as a missing column abort the run. Fold problems
// skip the fold and the run continues.
func (e *Engine) Run(ctx context.Context, set *models.LabeledSet, features []string, cfg Config) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, &models.ValidationError{Field: "features", Message: "at least one feature column is required"}
	}
	for _, f := range features {
		if !set.Features.HasColumn(f) {
			return nil, &models.MissingColumnError{Stage: "validate", Column: f}
		}
	}

	folds, err := PlanFolds(set.Years, cfg)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.New(),
		Protocol:  cfg.Protocol,
		Features:  append([]string(nil), features...),
		StartedAt: time.Now().UTC(),
	}
	log := e.logger.WithFields(logging.Fields{
		"stage":    "validate",
		"protocol": cfg.Protocol.String(),
		"run_id":   run.ID.String(),
	})
	log.Info(ctx, "[BACKTEST_START] Running validation protocol", logging.Fields{
		"folds":    len(folds),
		"years":    len(set.Years),
		"features": len(features),
	})

	outcomes := make([]*FoldOutcome, len(folds))
	failures := make([]error, len(folds))

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range folds {
		fold := folds[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := e.runFold(set, features, fold, cfg)
			if err != nil {
				failures[fold.Index] = &models.StageError{Stage: "validate/" + cfg.Protocol.String(), Year: fold.Test[0], Err: err}
				return nil
			}
			outcomes[fold.Index] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, fold := range folds {
		if failures[i] != nil {
			run.Skipped = append(run.Skipped, SkippedFold{Fold: fold, Err: failures[i]})
			e.recordFold(cfg.Protocol, "skipped", 0)

			var insufficient *models.InsufficientTrainingDataError
			if errors.As(failures[i], &insufficient) {
				log.Warn(ctx, "[FOLD_SKIPPED] Training set below minimum", logging.Fields{
					"test_years":  fold.Test,
					"train_years": len(fold.Train),
					"minimum":     cfg.MinTrainYears,
				})
			} else {
				log.Error(ctx, "[FOLD_FAILED] Fold skipped after error", logging.Fields{
					"test_years": fold.Test,
				}, failures[i])
			}
			continue
		}

		out := outcomes[i]
		run.Folds = append(run.Folds, *out)
		pct := make([]float64, len(out.Results))
		for j, r := range out.Results {
			pct[j] = r.PercentageError
		}
		e.recordFold(cfg.Protocol, "ok", out.Duration, pct...)
		for _, r := range out.Results {
			log.Debug(ctx, "[FOLD_SCORED] Held-out year scored", logging.Fields{
				"year":             r.Year,
				"actual":           r.Actual,
				"predicted":        r.Predicted,
				"percentage_error": r.PercentageError,
				"train_years":      len(fold.Train),
			})
		}
	}

	run.Duration = time.Since(run.StartedAt)
	log.Info(ctx, "[BACKTEST_COMPLETE] Validation protocol finished", logging.Fields{
		"scored_folds":  len(run.Folds),
		"skipped_folds": len(run.Skipped),
		"duration_ms":   run.Duration.Milliseconds(),
	})
	return run, nil
}

// runFold trains a fresh estimator on the fold's training years and scores its test years.
func (e *Engine) runFold(set *models.LabeledSet, features []string, fold Fold, cfg Config) (*FoldOutcome, error) {
	if len(fold.Train) < cfg.MinTrainYears {
		return nil, &models.InsufficientTrainingDataError{
			Protocol:   cfg.Protocol.String(),
			HeldOut:    fold.Test,
			TrainYears: len(fold.Train),
			Minimum:    cfg.MinTrainYears,
		}
	}

	start := time.Now()
	est, err := model.Train(set, features, fold.Train, e.factory(cfg.Params))
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}

	pred, err := est.PredictYears(set.Features, fold.Test)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	actual, err := set.Targets(fold.Test)
	if err != nil {
		return nil, err
	}

	results := make([]models.FoldResult, len(fold.Test))
	for i, y := range fold.Test {
		if actual[i] <= 0 {
			return nil, &models.ValidationError{
				Field:   "yield_tons_per_hectare",
				Value:   fmt.Sprint(actual[i]),
				Message: fmt.Sprintf("percentage error is undefined for non-positive yield in %d", y),
			}
		}
		results[i] = models.NewFoldResult(y, actual[i], pred[i])
	}

	out := &FoldOutcome{
		Fold:     fold,
		Scaler:   est.Scaler,
		Results:  results,
		Duration: time.Since(start),
	}
	if imp, ok := est.Model.FeatureImportance(); ok {
		out.Importance = imp
	}
	return out, nil
}

func (e *Engine) recordFold(p Protocol, status string, d time.Duration, pct ...float64) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordFold(p.String(), status, d, pct...)
}
