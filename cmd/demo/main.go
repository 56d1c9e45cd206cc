// Command demo runs the whole yield pipeline on generated weather without a
// database: features, the three backtests, the Excel report, final training
// and a couple of served predictions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"robusta-yield/internal/artifact"
	"robusta-yield/internal/features"
	"robusta-yield/internal/ingest"
	"robusta-yield/internal/model"
	"robusta-yield/internal/models"
	"robusta-yield/internal/report"
	"robusta-yield/internal/services"
	"robusta-yield/internal/synthetic"
	"robusta-yield/internal/validation"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

const rule = "════════════════════════════════════════════════════════════════"

func main() {
	startYear := flag.Int("start", 1990, "First generated year")
	endYear := flag.Int("end", 2024, "Last generated year")
	seed := flag.Uint64("seed", 7, "Generator seed")
	trees := flag.Int("trees", 200, "Boosting rounds per model")
	outDir := flag.String("out", "./demo_output", "Output directory")
	flag.Parse()

	fmt.Println(rule)
	fmt.Println("ROBUSTA YIELD - PIPELINE DEMONSTRATION")
	fmt.Println(rule)
	fmt.Println()

	logger := logging.NewStructuredLogger("demo", "1.0.0", logging.WarnLevel)
	defer logger.Sync()
	m := metrics.NewCollector("demo", prometheus.NewRegistry())
	ctx := context.Background()

	if err := run(ctx, logger, m, *startYear, *endYear, *seed, *trees, *outDir); err != nil {
		fmt.Fprintf(os.Stderr, "Demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *logging.StructuredLogger, m *metrics.Collector, start, end int, seed uint64, trees int, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	// 1. Generate the daily record and yields
	ds := synthetic.Generate(synthetic.HighlandProfile(start, end, seed))
	yields := synthetic.ResponsiveYields(ds, start, end, seed)
	fmt.Printf("Generated %d days (%d-%d) and %d yield years\n", ds.Daily.Len(), start, end, len(yields))

	if err := writeFile(filepath.Join(outDir, "weather_daily.csv"), func(f *os.File) error {
		return ingest.WriteDailyCSV(f, ds.Daily)
	}); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(outDir, "yields.csv"), func(f *os.File) error {
		return ingest.WriteYieldsCSV(f, yields)
	}); err != nil {
		return err
	}

	// 2. Stage features and anomalies
	pipeline := services.NewPipelineService(nil, logger, m)
	table, err := pipeline.BuildFeatures(ctx, ds.Daily, features.DefaultExtractorConfig(true), features.DefaultNormalizerConfig())
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(outDir, "features_yearly.csv"), func(f *os.File) error {
		return ingest.WriteFeatureCSV(f, table)
	}); err != nil {
		return err
	}
	fmt.Printf("Feature table: %d years, %d columns, %d missing values\n\n", table.Len(), len(table.Columns()), table.MissingCount())

	set, err := models.JoinYields(table, yields)
	if err != nil {
		return err
	}

	// 3. Backtests
	params := model.DefaultParams()
	params.NEstimators = trees
	featureNames := features.DefaultModelFeatures()

	var sections []report.Section
	var importance map[string]float64
	for _, p := range validation.Protocols {
		cfg := validation.DefaultConfig(p)
		cfg.Params = params
		cfg.Workers = 4

		rep, err := pipeline.Backtest(ctx, set, featureNames, cfg)
		if err != nil {
			return err
		}
		sections = append(sections, report.Section{Run: rep.Run, Summary: rep.Summary})
		if imp, ok := rep.Run.MeanImportance(); ok && p == validation.LeaveOneYearOut {
			importance = imp
		}
		printBacktest(rep)
	}

	// 4. Report and model artifacts
	store, err := artifact.NewFileStore(outDir, logger)
	if err != nil {
		return err
	}
	book, err := report.NewGenerator(logger).Build(ctx, sections, importance)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, "backtest_report.xlsx", book, artifact.ContentTypeXLSX); err != nil {
		return err
	}

	est, err := pipeline.TrainFinal(ctx, set, featureNames, params)
	if err != nil {
		return err
	}
	if err := pipeline.Publish(ctx, store, "yield_model.json", est); err != nil {
		return err
	}
	printImportance(importance)

	// 5. Serve from the published artifact
	served, err := artifact.LoadEstimator(ctx, store, "yield_model.json")
	if err != nil {
		return err
	}
	data := &services.MemoryDataset{Table: table, Labels: yields, Daily: ds.Daily}
	predictions := services.NewPredictionService(data, served, logger, m)

	latest, err := predictions.PredictYear(ctx, end)
	if err != nil {
		return err
	}
	fmt.Println(rule)
	fmt.Println("PREDICTIONS")
	fmt.Println(rule)
	fmt.Printf("%d: %.3f %s (%.3f - %.3f)", latest.Year, latest.PredictedYield, latest.Unit, latest.ConfidenceLower, latest.ConfidenceUpper)
	if latest.ActualYield != nil {
		fmt.Printf(" actual %.3f", *latest.ActualYield)
	}
	fmt.Println()

	for _, sc := range services.Scenarios() {
		sp, err := predictions.PredictScenario(ctx, end+1, sc.Name, "")
		if err != nil {
			return err
		}
		fmt.Printf("%d %-16s %.2f %s (%.2f - %.2f)\n", sp.Year, sc.Name, sp.PredictedYield, sp.Unit, sp.ConfidenceLower, sp.ConfidenceUpper)
	}

	fmt.Println()
	fmt.Printf("Outputs written to %s\n", outDir)
	return nil
}

func printBacktest(rep *services.BacktestReport) {
	fmt.Println(rule)
	fmt.Printf("BACKTEST: %s\n", rep.Run.Protocol)
	fmt.Println(rule)
	for _, r := range rep.Run.Results() {
		fmt.Printf("  %d  actual %.3f  predicted %.3f  error %6.2f%%\n", r.Year, r.Actual, r.Predicted, r.PercentageError)
	}
	if len(rep.Run.Skipped) > 0 {
		fmt.Printf("  skipped folds: %d\n", len(rep.Run.Skipped))
	}
	if s := rep.Summary; s != nil {
		fmt.Printf("  MAE %.4f | RMSE %.4f | MAPE %.2f%% | grade %s | %s\n", s.MAE, s.RMSE, s.MAPE, s.Grade, s.Verdict)
	} else {
		fmt.Println("  no scored years")
	}
	fmt.Println()
}

func printImportance(importance map[string]float64) {
	if len(importance) == 0 {
		return
	}
	names := make([]string, 0, len(importance))
	for n := range importance {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return importance[names[i]] > importance[names[j]] })

	fmt.Println(rule)
	fmt.Println("FEATURE IMPORTANCE (leave-one-year-out mean)")
	fmt.Println(rule)
	for _, n := range names {
		fmt.Printf("  %-24s %.4f\n", n, importance[n])
	}
	fmt.Println()
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}
