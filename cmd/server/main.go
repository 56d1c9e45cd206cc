package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"robusta-yield/internal/artifact"
	"robusta-yield/internal/config"
	"robusta-yield/internal/handlers"
	"robusta-yield/internal/model"
	"robusta-yield/internal/repository"
	"robusta-yield/internal/services"
	"robusta-yield/pkg/database"
	"robusta-yield/pkg/logging"
	"robusta-yield/pkg/metrics"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logLevel, _ := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.NewStructuredLogger("yield-api", version, logLevel)
	defer logger.Sync()

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting robusta yield API server", logging.Fields{
		"version":     version,
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"db_host":     cfg.Database.Host,
		"db_name":     cfg.Database.Database,
		"artifacts":   cfg.Artifacts.Backend,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("robusta_yield", prometheus.DefaultRegisterer)

	// Initialize database
	db, err := database.NewPostgresDB(cfg.Database.Postgres(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	// Initialize repositories
	weatherRepo := repository.NewWeatherRepository(db, logger, metricsCollector)
	backtestRepo := repository.NewBacktestRepository(db, logger)

	// Load the model; without one the API serves data endpoints only
	estimator := loadEstimator(ctx, cfg, logger)

	// Initialize services
	dataset := services.NewRepositoryDataset(weatherRepo)
	predictionService := services.NewPredictionService(dataset, estimator, logger, metricsCollector)
	statsService := services.NewStatisticsService(dataset, logger, metricsCollector)

	// Setup router
	router := mux.NewRouter()
	router.Use(handlers.RequestID)

	handlers.NewYieldHandler(predictionService, statsService, dataset, logger, metricsCollector).RegisterRoutes(router)
	handlers.NewBacktestHandler(backtestRepo, logger, metricsCollector).RegisterRoutes(router)
	handlers.RegisterDocs(router)

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handlers.WithCORS(router, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address":      server.Addr,
			"model_loaded": estimator != nil,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}

func loadEstimator(ctx context.Context, cfg *config.Config, logger *logging.StructuredLogger) *model.Estimator {
	store, err := artifact.Open(ctx, cfg.Artifacts.Options(), logger)
	if err != nil {
		logger.Error(ctx, "[STARTUP_ERROR] Artifact store unavailable", logging.Fields{
			"backend": cfg.Artifacts.Backend,
		}, err)
		return nil
	}
	est, err := artifact.LoadEstimator(ctx, store, cfg.Artifacts.ObjectKey)
	if err != nil {
		logger.Warn(ctx, "[STARTUP_DEGRADED] No model loaded; prediction endpoints return 503", logging.Fields{
			"key":   cfg.Artifacts.ObjectKey,
			"error": err.Error(),
		})
		return nil
	}
	logger.Info(ctx, "[MODEL_LOADED] Model artifact loaded", logging.Fields{
		"key":           cfg.Artifacts.ObjectKey,
		"features":      est.Features,
		"trained_years": len(est.TrainedYears),
	})
	return est
}
