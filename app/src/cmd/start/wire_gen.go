package main

import (
	"context"
	"io"

	"telemetry-service/app/src/core"
	"telemetry-service/app/src/domain"
	"telemetry-service/app/src/infra"
	"telemetry-service/app/src/logstore"
)

func initApplication(ctx context.Context, out io.Writer) (*application, func(), error) {
	cfg, logger, err := setupBase(out)
	if err != nil {
		return nil, nil, err
	}

	buffer := provideBuffer(cfg)
	store := setupLogStore(cfg, logger)

	sinks, cleanup, err := setupSinks(ctx, cfg, buffer, store, logger)
	if err != nil {
		return nil, nil, err
	}

	ingest := provideIngestServer(cfg, logger, sinks)
	httpServer := provideHTTPServer(buffer, store, logger)

	app := newApplication(cfg, logger, buffer, store, ingest, httpServer)
	return assembleApplication(app, cleanup)
}

func setupBase(out io.Writer) (infra.Config, *infra.Logger, error) {
	cfg, err := provideConfig()
	if err != nil {
		return infra.Config{}, nil, err
	}
	svcName := provideServiceName()
	log := provideLogger(out, svcName)
	return cfg, log, nil
}

func setupLogStore(cfg infra.Config, logger *infra.Logger) *logstore.Logger {
	storeCfg := provideLogStoreConfig(cfg)
	return provideLogStore(storeCfg, logger)
}

func setupSinks(ctx context.Context, cfg infra.Config, buffer *core.Buffer, store *logstore.Logger, logger *infra.Logger) ([]domain.ReadingSink, func(), error) {
	return provideSinks(ctx, cfg, buffer, store, logger)
}
