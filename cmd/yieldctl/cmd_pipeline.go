package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"robusta-yield/internal/artifact"
	"robusta-yield/internal/ingest"
	"robusta-yield/internal/models"
	"robusta-yield/internal/report"
	"robusta-yield/internal/repository"
	"robusta-yield/internal/services"
	"robusta-yield/internal/validation"
	"robusta-yield/pkg/logging"
)

var (
	offline          bool
	backtestProtocol string
)

// featuresCmd rebuilds the yearly feature table
var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Build the yearly stage feature table from the daily record",
	Long: `Build the yearly stage feature table from the daily record.

The daily record is read from the database, or from data.weather_csv with
--offline. The table is written to data.feature_csv and, unless offline,
replaces the stored yearly features.`,
	RunE: runFeatures,
}

// backtestCmd runs validation protocols
var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Backtest the yield model and write fold CSVs plus an Excel report",
	Long: `Backtest the yield model.

--protocol selects holdout, walk-forward, loyo or all. Per-year results are
written to <output_dir>/backtest_<protocol>.csv and a workbook covering every
run to <output_dir>/backtest_report.xlsx. Runs are stored in the database
unless --offline is set, in which case features and yields come from
data.feature_csv and data.yield_csv.`,
	RunE: runBacktest,
}

// trainCmd fits and publishes the serving model
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the final model on every labeled year and publish it",
	RunE:  runTrain,
}

func init() {
	for _, c := range []*cobra.Command{featuresCmd, backtestCmd, trainCmd} {
		c.Flags().BoolVar(&offline, "offline", false, "Read CSV files from the data section instead of the database")
	}
	backtestCmd.Flags().StringVarP(&backtestProtocol, "protocol", "p", "all", "holdout, walk-forward, loyo or all")
}

func runFeatures(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := newEnv(ctx, !offline)
	if err != nil {
		return err
	}
	defer e.Close()

	var daily *models.DailyTable
	if offline {
		daily, err = readCSV(e.cfg.Data.WeatherCSV, ingest.ReadDailyCSV)
	} else {
		var obs []models.DailyObservation
		obs, err = e.weather.GetObservations(ctx, repository.ObservationFilter{})
		daily = models.DailyTableFromObservations(obs)
	}
	if err != nil {
		return err
	}

	pipeline := services.NewPipelineService(nil, e.logger, e.metrics)
	table, err := pipeline.BuildFeatures(ctx, daily, e.cfg.Features.Extractor(), e.cfg.Features.Normalizer())
	if err != nil {
		return err
	}

	if err := writeCSV(e.cfg.Data.FeatureCSV, func(f *os.File) error { return ingest.WriteFeatureCSV(f, table) }); err != nil {
		return err
	}
	if !offline {
		if err := e.weather.ReplaceFeatures(ctx, table); err != nil {
			return err
		}
	}

	line, err := featureSummary(table, e.cfg.Data.FeatureCSV)
	if err != nil {
		return err
	}
	fmt.Println(line)
	return nil
}

func featureSummary(table *models.FeatureTable, path string) (string, error) {
	years := table.Years()
	if len(years) == 0 {
		return "", fmt.Errorf("feature table has no years; the daily record covers no complete season")
	}
	return fmt.Sprintf("Feature table: %d years (%d-%d), %d columns, %d missing values -> %s",
		len(years), years[0], years[len(years)-1], len(table.Columns()), table.MissingCount(), path), nil
}

func runBacktest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := newEnv(ctx, !offline)
	if err != nil {
		return err
	}
	defer e.Close()

	protocols, err := selectProtocols(backtestProtocol)
	if err != nil {
		return err
	}
	set, err := labeledSet(ctx, e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.cfg.Data.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var runs repository.BacktestRepository
	if !offline {
		runs = e.runs
	}
	pipeline := services.NewPipelineService(runs, e.logger, e.metrics)

	var sections []report.Section
	var importance map[string]float64
	for _, p := range protocols {
		cfg, err := e.cfg.Backtest(p.String())
		if err != nil {
			return err
		}
		rep, err := pipeline.Backtest(ctx, set, e.cfg.Features.ModelFeatures, cfg)
		if err != nil {
			return err
		}

		path := filepath.Join(e.cfg.Data.OutputDir, fmt.Sprintf("backtest_%s.csv", p))
		results := rep.Run.Results()
		if err := writeCSV(path, func(f *os.File) error { return ingest.WriteFoldCSV(f, results) }); err != nil {
			return err
		}
		sections = append(sections, report.Section{Run: rep.Run, Summary: rep.Summary})
		if p == validation.LeaveOneYearOut || importance == nil {
			if imp, ok := rep.Run.MeanImportance(); ok {
				importance = imp
			}
		}
		printSummary(rep, path)
	}

	book, err := report.NewGenerator(e.logger).Build(ctx, sections, importance)
	if err != nil {
		return err
	}
	bookPath := filepath.Join(e.cfg.Data.OutputDir, "backtest_report.xlsx")
	if err := os.WriteFile(bookPath, book, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Printf("Report: %s\n", bookPath)

	store, err := artifact.Open(ctx, e.cfg.Artifacts.Options(), e.logger)
	if err != nil {
		return err
	}
	return store.Put(ctx, "reports/backtest_report.xlsx", book, artifact.ContentTypeXLSX)
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := newEnv(ctx, !offline)
	if err != nil {
		return err
	}
	defer e.Close()

	set, err := labeledSet(ctx, e)
	if err != nil {
		return err
	}
	pipeline := services.NewPipelineService(nil, e.logger, e.metrics)
	est, err := pipeline.TrainFinal(ctx, set, e.cfg.Features.ModelFeatures, e.cfg.Model)
	if err != nil {
		return err
	}

	store, err := artifact.Open(ctx, e.cfg.Artifacts.Options(), e.logger)
	if err != nil {
		return err
	}
	if err := pipeline.Publish(ctx, store, e.cfg.Artifacts.ObjectKey, est); err != nil {
		return err
	}
	fmt.Printf("Model trained on %d years, published to %s:%s\n",
		len(est.TrainedYears), e.cfg.Artifacts.Backend, e.cfg.Artifacts.ObjectKey)
	return nil
}

// labeledSet joins the yearly features with observed yields.
func labeledSet(ctx context.Context, e *env) (*models.LabeledSet, error) {
	var (
		table  *models.FeatureTable
		yields []models.YieldRecord
		err    error
	)
	if offline {
		if table, err = readCSV(e.cfg.Data.FeatureCSV, ingest.ReadFeatureCSV); err != nil {
			return nil, err
		}
		yields, err = readCSV(e.cfg.Data.YieldCSV, ingest.ReadYieldsCSV)
	} else {
		if table, err = e.weather.LoadFeatures(ctx); err != nil {
			return nil, err
		}
		yields, err = e.weather.ListYields(ctx)
	}
	if err != nil {
		return nil, err
	}

	set, err := models.JoinYields(table, yields)
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "[DATASET_READY] Labeled set joined", logging.Fields{
		"feature_years": table.Len(),
		"labeled_years": set.Len(),
	})
	return set, nil
}

func selectProtocols(name string) ([]validation.Protocol, error) {
	if strings.EqualFold(name, "all") {
		return validation.Protocols, nil
	}
	p, err := validation.ParseProtocol(name)
	if err != nil {
		return nil, err
	}
	return []validation.Protocol{p}, nil
}

func readCSV[T any](path string, read func(r io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	v, err := read(f)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

func writeCSV(path string, write func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func printSummary(rep *services.BacktestReport, path string) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("BACKTEST %s\n", strings.ToUpper(rep.Run.Protocol.String()))
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Scored folds:       %d\n", len(rep.Run.Folds))
	fmt.Printf("Skipped folds:      %d\n", len(rep.Run.Skipped))
	if s := rep.Summary; s != nil {
		fmt.Printf("MAE:                %.4f\n", s.MAE)
		fmt.Printf("RMSE:               %.4f\n", s.RMSE)
		fmt.Printf("MAPE:               %.2f%%\n", s.MAPE)
		if s.R2 != nil {
			fmt.Printf("R2:                 %.4f\n", *s.R2)
		}
		fmt.Printf("Grade:              %s\n", s.Grade)
		fmt.Printf("Verdict:            %s\n", s.Verdict)
	} else {
		fmt.Println("No scored years")
	}
	fmt.Printf("Results:            %s\n", path)
}
