// Command yieldctl runs the offline yield pipeline: weather acquisition,
// ingestion, feature building, backtests and final model training.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"robusta-yield/internal/config"
	"robusta-yield/internal/repository"
	"robusta-yield/pkg/database"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

const version = "1.0.0"

var configFile string

// env is the shared runtime every subcommand works against.
type env struct {
	cfg     *config.Config
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	db      *database.PostgresDB
	weather repository.WeatherRepository
	runs    repository.BacktestRepository
}

// newEnv loads configuration and, when withDB is set, connects to Postgres.
func newEnv(ctx context.Context, withDB bool) (*env, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	e := &env{
		cfg:     cfg,
		logger:  logging.NewStructuredLogger("yieldctl", version, level),
		metrics: metrics.NewCollector("robusta_pipeline", prometheus.NewRegistry()),
	}
	if !withDB {
		return e, nil
	}

	db, err := database.NewPostgresDB(cfg.Database.Postgres(), e.logger, e.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	e.db = db
	e.weather = repository.NewWeatherRepository(db, e.logger, e.metrics)
	e.runs = repository.NewBacktestRepository(db, e.logger)
	return e, nil
}

func (e *env) Close() {
	if e.db != nil {
		e.db.Close()
	}
	e.logger.Sync()
}

var rootCmd = &cobra.Command{
	Use:           "yieldctl",
	Short:         "Robusta coffee yield pipeline for Dak Lak",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./config.yaml, ./config/config.yaml)")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(backtestCmd)
	rootCmd.AddCommand(trainCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
