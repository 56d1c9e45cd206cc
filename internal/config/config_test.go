package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robusta-yield/internal/features"
	"robusta-yield/internal/validation"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 500, cfg.Model.NEstimators)
	assert.Equal(t, uint64(42), cfg.Model.Seed)
	assert.Equal(t, 1990, cfg.Features.ReferenceStart)
	assert.Equal(t, features.DefaultModelFeatures(), cfg.Features.ModelFeatures)
	assert.Equal(t, 12.71, cfg.Archive.Latitude)
	assert.Equal(t, 3, cfg.Archive.MaxAttempts)

	bt, err := cfg.Backtest("")
	require.NoError(t, err)
	assert.Equal(t, validation.LeaveOneYearOut, bt.Protocol)
	assert.Equal(t, 7, bt.WalkForwardYears)
}

func TestLoadFile_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
validation:
  protocol: walk-forward
  walk_forward_years: 5
model:
  n_estimators: 100
features:
  heat_threshold: 34
  include_supplementary: true
archive:
  retry_backoff: 2s
`)
	t.Setenv("YIELD_DATABASE_HOST", "db.internal")
	t.Setenv("YIELD_MODEL_LEARNING_RATE", "0.1")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 100, cfg.Model.NEstimators)
	assert.Equal(t, 0.1, cfg.Model.LearningRate)
	assert.Equal(t, 2*time.Second, cfg.Archive.RetryBackoff)

	bt, err := cfg.Backtest("")
	require.NoError(t, err)
	assert.Equal(t, validation.WalkForward, bt.Protocol)
	assert.Equal(t, 5, bt.WalkForwardYears)
	assert.Equal(t, 100, bt.Params.NEstimators)

	ex := cfg.Features.Extractor()
	require.NotNil(t, ex.SPEI)
	for _, w := range ex.Windows {
		if w.Name == features.DaysExtremeHeat {
			assert.Equal(t, 34.0, w.Threshold)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad protocol", func(c *Config) { c.Validation.Protocol = "kfold" }},
		{"inverted reference", func(c *Config) { c.Features.ReferenceStart = 2021 }},
		{"no model features", func(c *Config) { c.Features.ModelFeatures = nil }},
		{"bad learner", func(c *Config) { c.Model.Subsample = 0 }},
		{"unknown backend", func(c *Config) { c.Artifacts.Backend = "s3" }},
		{"minio without bucket", func(c *Config) { c.Artifacts.Backend = "minio"; c.Artifacts.MinIO.Bucket = "" }},
		{"bad archive date", func(c *Config) { c.Archive.StartDate = "1990" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFile(writeConfig(t, "{}\n"))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFeaturesConfig_DisableSPI(t *testing.T) {
	f := FeaturesConfig{HeatThreshold: 33}
	assert.Nil(t, f.Extractor().SPI)
	f.IncludeSPI = true
	assert.NotNil(t, f.Extractor().SPI)
}
