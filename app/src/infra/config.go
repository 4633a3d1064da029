package infra

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config collects every option consumed by the ingestion pipeline.
// Values come from built-in defaults, an optional YAML file, then
// environment variables, with later layers winning.
type Config struct {
	IngestPort  int
	HTTPPort    string
	MetricsPort string

	LogDirectory          string
	FilenamePattern       string
	BufferSize            int
	RotateEveryHours      int
	MaxSizeMB             int
	RotateAfterLines      int
	RetentionDays         int
	RetentionSweepMinutes int

	HistoryCap int

	DatabaseDSN             string
	DatabaseBatchSize       int
	DatabaseBatchTimeoutMS  int
	DatabaseBatchBufferSize int

	ClientHost            string
	ConnectTimeoutSeconds float64
	Retries               int
}

const (
	DefaultIngestPort            = 5000
	DefaultHTTPPort              = "8080"
	DefaultMetricsPort           = "2112"
	DefaultLogDirectory          = "logs"
	DefaultFilenamePattern       = "telemetry-2006-01-02.csv"
	DefaultBufferSize            = 100
	DefaultRotateEveryHours      = 24
	DefaultMaxSizeMB             = 10
	DefaultRetentionDays         = 30
	DefaultRetentionSweepMinutes = 60
	DefaultHistoryCap            = 100
	DefaultClientHost            = "127.0.0.1"
	DefaultConnectTimeout        = 5.0
	DefaultRetries               = 3
)

// fileConfig mirrors the recognized keys of the optional config.yaml.
type fileConfig struct {
	Port                  *int     `yaml:"port"`
	Host                  *string  `yaml:"host"`
	LogDirectory          *string  `yaml:"logDirectory"`
	FilenamePattern       *string  `yaml:"filenamePattern"`
	BufferSize            *int     `yaml:"bufferSize"`
	RotateEveryHours      *int     `yaml:"rotateEveryHours"`
	MaxSizeMB             *int     `yaml:"maxSizeMB"`
	RotateAfterLines      *int     `yaml:"rotateAfterLines"`
	RetentionDays         *int     `yaml:"retentionDays"`
	ConnectTimeoutSeconds *float64 `yaml:"connectTimeoutSeconds"`
	Retries               *int     `yaml:"retries"`
}

// LoadConfig builds the effective configuration. A missing config file is
// not an error; an unreadable or malformed one is, because silently
// ignoring it would run the service with settings the operator did not ask
// for.
func LoadConfig() (Config, error) {
	cfg := Config{
		IngestPort:            DefaultIngestPort,
		HTTPPort:              DefaultHTTPPort,
		MetricsPort:           DefaultMetricsPort,
		LogDirectory:          DefaultLogDirectory,
		FilenamePattern:       DefaultFilenamePattern,
		BufferSize:            DefaultBufferSize,
		RotateEveryHours:      DefaultRotateEveryHours,
		MaxSizeMB:             DefaultMaxSizeMB,
		RetentionDays:         DefaultRetentionDays,
		RetentionSweepMinutes: DefaultRetentionSweepMinutes,
		HistoryCap:            DefaultHistoryCap,
		ClientHost:            DefaultClientHost,
		ConnectTimeoutSeconds: DefaultConnectTimeout,
		Retries:               DefaultRetries,
	}

	if err := applyFile(&cfg, getEnv("CONFIG_FILE", "config.yaml")); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&cfg.IngestPort, fc.Port)
	setInt(&cfg.BufferSize, fc.BufferSize)
	setInt(&cfg.RotateEveryHours, fc.RotateEveryHours)
	setInt(&cfg.MaxSizeMB, fc.MaxSizeMB)
	setInt(&cfg.RotateAfterLines, fc.RotateAfterLines)
	setInt(&cfg.RetentionDays, fc.RetentionDays)
	setInt(&cfg.Retries, fc.Retries)
	if fc.Host != nil {
		cfg.ClientHost = *fc.Host
	}
	if fc.LogDirectory != nil {
		cfg.LogDirectory = *fc.LogDirectory
	}
	if fc.FilenamePattern != nil {
		cfg.FilenamePattern = *fc.FilenamePattern
	}
	if fc.ConnectTimeoutSeconds != nil {
		cfg.ConnectTimeoutSeconds = *fc.ConnectTimeoutSeconds
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	if cfg.IngestPort, err = getEnvInt("INGEST_PORT", cfg.IngestPort); err != nil {
		return err
	}
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.LogDirectory = getEnv("LOG_DIR", cfg.LogDirectory)
	cfg.FilenamePattern = getEnv("FILENAME_PATTERN", cfg.FilenamePattern)
	if cfg.BufferSize, err = getEnvInt("BUFFER_SIZE", cfg.BufferSize); err != nil {
		return err
	}
	if cfg.RotateEveryHours, err = getEnvInt("ROTATE_EVERY_HOURS", cfg.RotateEveryHours); err != nil {
		return err
	}
	if cfg.MaxSizeMB, err = getEnvInt("MAX_SIZE_MB", cfg.MaxSizeMB); err != nil {
		return err
	}
	if cfg.RotateAfterLines, err = getEnvInt("ROTATE_AFTER_LINES", cfg.RotateAfterLines); err != nil {
		return err
	}
	if cfg.RetentionDays, err = getEnvInt("RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return err
	}
	if cfg.RetentionSweepMinutes, err = getEnvInt("RETENTION_SWEEP_MINUTES", cfg.RetentionSweepMinutes); err != nil {
		return err
	}
	if cfg.HistoryCap, err = getEnvInt("HISTORY_CAP", cfg.HistoryCap); err != nil {
		return err
	}
	cfg.DatabaseDSN = os.Getenv("DB_DSN")
	if cfg.DatabaseBatchSize, err = getEnvInt("DB_BATCH_SIZE", 32); err != nil {
		return err
	}
	if cfg.DatabaseBatchTimeoutMS, err = getEnvInt("DB_BATCH_TIMEOUT_MS", 250); err != nil {
		return err
	}
	if cfg.DatabaseBatchBufferSize, err = getEnvInt("DB_BATCH_BUFFER", 128); err != nil {
		return err
	}
	cfg.ClientHost = getEnv("HOST", cfg.ClientHost)
	if cfg.ConnectTimeoutSeconds, err = getEnvFloat("CONNECT_TIMEOUT_SECONDS", cfg.ConnectTimeoutSeconds); err != nil {
		return err
	}
	if cfg.Retries, err = getEnvInt("RETRIES", cfg.Retries); err != nil {
		return err
	}
	return nil
}

// LogConfig dumps the effective configuration at startup.
func LogConfig(ctx context.Context, logger *Logger, cfg Config) {
	logger.Infof(ctx, "INGEST_PORT=%d", cfg.IngestPort)
	logger.Infof(ctx, "HTTP_PORT=%s", cfg.HTTPPort)
	logger.Infof(ctx, "METRICS_PORT=%s", cfg.MetricsPort)
	logger.Infof(ctx, "LOG_DIR=%s", cfg.LogDirectory)
	logger.Infof(ctx, "FILENAME_PATTERN=%s", cfg.FilenamePattern)
	logger.Infof(ctx, "BUFFER_SIZE=%d", cfg.BufferSize)
	logger.Infof(ctx, "ROTATE_EVERY_HOURS=%d", cfg.RotateEveryHours)
	logger.Infof(ctx, "MAX_SIZE_MB=%d", cfg.MaxSizeMB)
	if cfg.RotateAfterLines > 0 {
		logger.Infof(ctx, "ROTATE_AFTER_LINES=%d", cfg.RotateAfterLines)
	} else {
		logger.Infof(ctx, "ROTATE_AFTER_LINES disabled")
	}
	logger.Infof(ctx, "RETENTION_DAYS=%d", cfg.RetentionDays)
	logger.Infof(ctx, "RETENTION_SWEEP_MINUTES=%d", cfg.RetentionSweepMinutes)
	logger.Infof(ctx, "HISTORY_CAP=%d", cfg.HistoryCap)
	if cfg.DatabaseDSN != "" {
		logger.Infof(ctx, "DB_DSN set (length %d)", len(cfg.DatabaseDSN))
	} else {
		logger.Infof(ctx, "DB_DSN not provided, relational sink disabled")
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return parsed, nil
}
