package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"robusta-yield/internal/models"
	"robusta-yield/pkg/database"
	"robusta-yield/pkg/logging"
)

// BacktestRepository stores validation runs and their per-year results.
type BacktestRepository interface {
	SaveRun(ctx context.Context, run *models.BacktestRun, results []models.FoldResult) error
	GetRun(ctx context.Context, id string) (*models.BacktestRun, []models.FoldResult, error)
	ListRuns(ctx context.Context, protocol string, limit int) ([]*models.BacktestRun, error)
}

type backtestRepository struct {
	db     *database.PostgresDB
	logger *logging.StructuredLogger
}

// NewBacktestRepository creates a new backtest repository
func NewBacktestRepository(db *database.PostgresDB, logger *logging.StructuredLogger) BacktestRepository {
	return &backtestRepository{db: db, logger: logger}
}

// runRow mirrors backtest_runs; features are a Postgres text array.
type runRow struct {
	models.BacktestRun
	FeatureArray pq.StringArray `db:"features"`
}

const runColumns = `id, protocol, features, scored_folds, skipped_folds, mae, rmse, mape, r2,
	grade, verdict, started_at, duration_ms`

// SaveRun inserts the run and its fold rows in one transaction.
func (r *backtestRepository) SaveRun(ctx context.Context, run *models.BacktestRun, results []models.FoldResult) error {
	err := r.db.InTx(ctx, "save_backtest_run", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_runs (`+runColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`,
			run.ID, run.Protocol, pq.Array(run.Features), run.ScoredFolds, run.SkippedFolds,
			run.MAE, run.RMSE, run.MAPE, run.R2, run.Grade, run.Verdict, run.StartedAt, run.DurationMs,
		); err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO backtest_fold_results (run_id, year, actual, predicted, absolute_error, percentage_error)
			VALUES ($1, $2, $3, $4, $5, $6)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, res := range results {
			if _, err := stmt.ExecContext(ctx, run.ID, res.Year, res.Actual, res.Predicted, res.AbsoluteError, res.PercentageError); err != nil {
				return fmt.Errorf("failed to insert fold result %d: %w", res.Year, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info(ctx, "[REPO_RUN_SAVED] Backtest run stored", logging.Fields{
		"run_id":   run.ID,
		"protocol": run.Protocol,
		"results":  len(results),
	})
	return nil
}

// GetRun loads one run with its fold results ordered by year.
func (r *backtestRepository) GetRun(ctx context.Context, id string) (*models.BacktestRun, []models.FoldResult, error) {
	var row runRow
	err := r.db.GetContext(ctx, "get_backtest_run", &row, `SELECT `+runColumns+` FROM backtest_runs WHERE id = $1`, id)
	if err != nil {
		return nil, nil, notFound(err, "backtest_run", id)
	}

	var results []models.FoldResult
	err = r.db.SelectContext(ctx, "get_fold_results", &results, `
		SELECT year, actual, predicted, absolute_error, percentage_error
		FROM backtest_fold_results
		WHERE run_id = $1
		ORDER BY year
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get fold results: %w", err)
	}

	run := row.BacktestRun
	run.Features = []string(row.FeatureArray)
	return &run, results, nil
}

// ListRuns returns the most recent runs, optionally for one protocol.
func (r *backtestRepository) ListRuns(ctx context.Context, protocol string, limit int) ([]*models.BacktestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	err := r.db.SelectContext(ctx, "list_backtest_runs", &rows, `
		SELECT `+runColumns+`
		FROM backtest_runs
		WHERE ($1 = '' OR protocol = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`, protocol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]*models.BacktestRun, len(rows))
	for i := range rows {
		run := rows[i].BacktestRun
		run.Features = []string(rows[i].FeatureArray)
		out[i] = &run
	}
	return out, nil
}
