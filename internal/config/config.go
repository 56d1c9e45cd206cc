// Package config loads runtime settings from config.yaml, a .env file and
// YIELD_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"robusta-yield/internal/artifact"
	"robusta-yield/internal/features"
	"robusta-yield/internal/ingest"
	"robusta-yield/internal/model"
	"robusta-yield/internal/validation"
	"robusta-yield/pkg/database"
	"robusta-yield/pkg/logging"
)

// EnvPrefix prefixes every environment override, e.g. YIELD_DATABASE_HOST.
const EnvPrefix = "YIELD"

// Config is the complete application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Data       DataConfig       `mapstructure:"data"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Validation ValidationConfig `mapstructure:"validation"`
	Model      model.Params     `mapstructure:"model"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// Postgres converts the section to the pool configuration.
func (d DatabaseConfig) Postgres() *database.Config {
	return &database.Config{
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Database,
		SSLMode:         d.SSLMode,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DataConfig names the file inputs and outputs of the batch commands.
type DataConfig struct {
	WeatherCSV string `mapstructure:"weather_csv"`
	YieldCSV   string `mapstructure:"yield_csv"`
	FeatureCSV string `mapstructure:"feature_csv"`
	OutputDir  string `mapstructure:"output_dir"`
	BatchSize  int    `mapstructure:"batch_size"`
}

type FeaturesConfig struct {
	ReferenceStart       int      `mapstructure:"reference_start"`
	ReferenceEnd         int      `mapstructure:"reference_end"`
	AnomalyColumns       []string `mapstructure:"anomaly_columns"`
	HeatThreshold        float64  `mapstructure:"heat_threshold"`
	IncludeSupplementary bool     `mapstructure:"include_supplementary"`
	IncludeSPI           bool     `mapstructure:"include_spi"`
	ModelFeatures        []string `mapstructure:"model_features"`
}

// Extractor builds the extraction configuration.
func (f FeaturesConfig) Extractor() features.ExtractorConfig {
	cfg := features.DefaultExtractorConfig(f.IncludeSupplementary)
	for i := range cfg.Windows {
		if cfg.Windows[i].Aggregation == features.CountAbove {
			cfg.Windows[i].Threshold = f.HeatThreshold
		}
	}
	if !f.IncludeSPI {
		cfg.SPI = nil
	}
	return cfg
}

// Normalizer builds the anomaly configuration.
func (f FeaturesConfig) Normalizer() features.NormalizerConfig {
	return features.NormalizerConfig{
		ReferenceStart: f.ReferenceStart,
		ReferenceEnd:   f.ReferenceEnd,
		Columns:        append([]string(nil), f.AnomalyColumns...),
	}
}

type ValidationConfig struct {
	Protocol         string `mapstructure:"protocol"`
	HoldoutYears     int    `mapstructure:"holdout_years"`
	WalkForwardYears int    `mapstructure:"walk_forward_years"`
	MinTrainYears    int    `mapstructure:"min_train_years"`
	Workers          int    `mapstructure:"workers"`
}

// Backtest builds the engine configuration for protocol, or for the
// configured protocol when protocol is empty.
func (c *Config) Backtest(protocol string) (validation.Config, error) {
	if protocol == "" {
		protocol = c.Validation.Protocol
	}
	p, err := validation.ParseProtocol(protocol)
	if err != nil {
		return validation.Config{}, err
	}
	return validation.Config{
		Protocol:         p,
		HoldoutYears:     c.Validation.HoldoutYears,
		WalkForwardYears: c.Validation.WalkForwardYears,
		MinTrainYears:    c.Validation.MinTrainYears,
		Workers:          c.Validation.Workers,
		Params:           c.Model,
	}, nil
}

// ArtifactsConfig selects where trained models are stored.
type ArtifactsConfig struct {
	Backend   string      `mapstructure:"backend"`
	Directory string      `mapstructure:"directory"`
	ObjectKey string      `mapstructure:"object_key"`
	MinIO     MinIOConfig `mapstructure:"minio"`
}

// Options converts the section for artifact.Open.
func (a ArtifactsConfig) Options() artifact.Options {
	return artifact.Options{
		Backend:   a.Backend,
		Directory: a.Directory,
		MinIO: artifact.MinioOptions{
			Endpoint:  a.MinIO.Endpoint,
			AccessKey: a.MinIO.AccessKey,
			SecretKey: a.MinIO.SecretKey,
			Bucket:    a.MinIO.Bucket,
			UseSSL:    a.MinIO.UseSSL,
		},
	}
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// ArchiveConfig is the Open-Meteo client plus the date range to fetch.
type ArchiveConfig struct {
	ingest.ArchiveConfig `mapstructure:",squash"`
	StartDate            string `mapstructure:"start_date"`
	EndDate              string `mapstructure:"end_date"`
}

// Range parses the configured date range.
func (a ArchiveConfig) Range() (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01-02", a.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("archive.start_date: %w", err)
	}
	end, err := time.Parse("2006-01-02", a.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("archive.end_date: %w", err)
	}
	return start, end, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "robusta_yield")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", time.Minute)

	v.SetDefault("logging.level", "info")

	v.SetDefault("data.weather_csv", "data/external/weather_daklak.csv")
	v.SetDefault("data.yield_csv", "data/raw/yield_daklak.csv")
	v.SetDefault("data.feature_csv", "data/processed/features_yearly.csv")
	v.SetDefault("data.output_dir", "output")
	v.SetDefault("data.batch_size", 1000)

	v.SetDefault("features.reference_start", features.DefaultReferenceStart)
	v.SetDefault("features.reference_end", features.DefaultReferenceEnd)
	v.SetDefault("features.anomaly_columns", features.DefaultAnomalyColumns())
	v.SetDefault("features.heat_threshold", features.DefaultHeatThreshold)
	v.SetDefault("features.include_supplementary", false)
	v.SetDefault("features.include_spi", true)
	v.SetDefault("features.model_features", features.DefaultModelFeatures())

	def := validation.DefaultConfig(validation.LeaveOneYearOut)
	v.SetDefault("validation.protocol", def.Protocol.String())
	v.SetDefault("validation.holdout_years", def.HoldoutYears)
	v.SetDefault("validation.walk_forward_years", def.WalkForwardYears)
	v.SetDefault("validation.min_train_years", def.MinTrainYears)
	v.SetDefault("validation.workers", 4)

	p := model.DefaultParams()
	v.SetDefault("model.n_estimators", p.NEstimators)
	v.SetDefault("model.learning_rate", p.LearningRate)
	v.SetDefault("model.max_depth", p.MaxDepth)
	v.SetDefault("model.min_child_weight", p.MinChildWeight)
	v.SetDefault("model.reg_lambda", p.Lambda)
	v.SetDefault("model.gamma", p.Gamma)
	v.SetDefault("model.subsample", p.Subsample)
	v.SetDefault("model.colsample_bytree", p.ColsampleByTree)
	v.SetDefault("model.seed", p.Seed)

	v.SetDefault("artifacts.backend", "file")
	v.SetDefault("artifacts.directory", "models")
	v.SetDefault("artifacts.object_key", "yield_model.json")
	v.SetDefault("artifacts.minio.endpoint", "localhost:9000")
	v.SetDefault("artifacts.minio.access_key", "")
	v.SetDefault("artifacts.minio.secret_key", "")
	v.SetDefault("artifacts.minio.bucket", "robusta-models")
	v.SetDefault("artifacts.minio.use_ssl", false)

	a := ingest.DefaultArchiveConfig()
	v.SetDefault("archive.base_url", a.BaseURL)
	v.SetDefault("archive.latitude", a.Latitude)
	v.SetDefault("archive.longitude", a.Longitude)
	v.SetDefault("archive.timezone", a.Timezone)
	v.SetDefault("archive.max_attempts", a.MaxAttempts)
	v.SetDefault("archive.retry_backoff", a.RetryBackoff)
	v.SetDefault("archive.requests_per_second", a.RequestsPerSecond)
	v.SetDefault("archive.timeout", a.Timeout)
	v.SetDefault("archive.fail_on_gap", a.FailOnGap)
	v.SetDefault("archive.start_date", "1990-01-01")
	v.SetDefault("archive.end_date", "2025-10-31")
}

// LoadConfig reads .env (if present), then config.yaml from ".", "./config"
// or "/etc/robusta-yield", then YIELD_* environment variables.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/robusta-yield/")
	return load(v)
}

// LoadFile reads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within 1-65535, got %d", c.Server.Port)
	}
	if c.Database.Host == "" || c.Database.Database == "" {
		return errors.New("database.host and database.database are required")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := c.Features.Normalizer().Validate(); err != nil {
		return err
	}
	if err := c.Features.Extractor().Validate(); err != nil {
		return err
	}
	if len(c.Features.ModelFeatures) == 0 {
		return errors.New("features.model_features must not be empty")
	}
	bt, err := c.Backtest("")
	if err != nil {
		return err
	}
	if err := bt.Validate(); err != nil {
		return err
	}
	switch c.Artifacts.Backend {
	case "file":
		if c.Artifacts.Directory == "" {
			return errors.New("artifacts.directory is required for the file backend")
		}
	case "minio":
		if c.Artifacts.MinIO.Endpoint == "" || c.Artifacts.MinIO.Bucket == "" {
			return errors.New("artifacts.minio.endpoint and artifacts.minio.bucket are required")
		}
	default:
		return fmt.Errorf("artifacts.backend must be file or minio, got %q", c.Artifacts.Backend)
	}
	if c.Artifacts.ObjectKey == "" {
		return errors.New("artifacts.object_key is required")
	}
	if _, _, err := c.Archive.Range(); err != nil {
		return err
	}
	return nil
}
