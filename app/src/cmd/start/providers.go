package main

import (
	"context"
	"io"
	"time"

	httpapi "telemetry-service/app/src/api/http"
	"telemetry-service/app/src/core"
	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
	"telemetry-service/app/src/logstore"
	"telemetry-service/app/src/network"
	"telemetry-service/app/src/storage/postgres"
)

func provideConfig() (infra.Config, error) {
	return infra.LoadConfig()
}

func provideServiceName() string {
	return "telemetry-service"
}

func provideLogger(out io.Writer, serviceName string) *infra.Logger {
	return infra.NewLogger(out, serviceName)
}

func provideBuffer(cfg infra.Config) *core.Buffer {
	return core.NewBuffer(cfg.HistoryCap)
}

func provideLogStoreConfig(cfg infra.Config) logstore.Config {
	return logstore.Config{
		Directory:        cfg.LogDirectory,
		FilenamePattern:  cfg.FilenamePattern,
		BufferSize:       cfg.BufferSize,
		RotateEvery:      time.Duration(cfg.RotateEveryHours) * time.Hour,
		MaxSizeBytes:     int64(cfg.MaxSizeMB) * 1024 * 1024,
		RotateAfterLines: cfg.RotateAfterLines,
		RetentionDays:    cfg.RetentionDays,
	}
}

func provideLogStore(cfg logstore.Config, logger *infra.Logger) *logstore.Logger {
	return logstore.New(cfg, logger)
}

// provideSinks assembles the fan-out targets for accepted readings. The
// database mirror joins only when a DSN is configured.
func provideSinks(ctx context.Context, cfg infra.Config, buffer *core.Buffer, store *logstore.Logger, logger *infra.Logger) ([]domain.ReadingSink, func(), error) {
	sinks := []domain.ReadingSink{buffer, store}
	cleanup := func() {}

	if cfg.DatabaseDSN != "" {
		dbStore, err := postgres.Open(ctx, postgres.Config{
			DSN:          cfg.DatabaseDSN,
			BatchSize:    cfg.DatabaseBatchSize,
			BatchTimeout: time.Duration(cfg.DatabaseBatchTimeoutMS) * time.Millisecond,
			BufferSize:   cfg.DatabaseBatchBufferSize,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, dbStore)
		cleanup = func() {
			if err := dbStore.Close(); err != nil {
				logger.Errorf(context.Background(), "closing database store: %v", err)
			}
		}
		logger.Infof(ctx, "database mirror enabled")
	}

	return sinks, cleanup, nil
}

func provideIngestServer(cfg infra.Config, logger *infra.Logger, sinks []domain.ReadingSink) *network.Server {
	return network.NewServer(network.ServerConfig{Port: cfg.IngestPort}, logger, sinks...)
}

func provideHTTPServer(buffer *core.Buffer, store *logstore.Logger, logger *infra.Logger) *httpapi.Server {
	return httpapi.NewServer(buffer, store, logger)
}
