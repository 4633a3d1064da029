package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"telemetry-service/app/src/infra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := initApplication(ctx, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise application: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg := app.Config
	logger := app.Logger

	infra.LogConfig(ctx, logger, cfg)
	infra.StartMetricsServer(logger, cfg.MetricsPort)

	if err := app.Store.Start(); err != nil {
		logger.Fatalf(ctx, "failed to open telemetry log: %v", err)
	}

	if err := app.Ingest.Listen(); err != nil {
		logger.Fatalf(ctx, "failed to bind ingestion port: %v", err)
	}

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		app.Ingest.Serve()
	}()
	go func() {
		defer workers.Done()
		app.Store.RunRetention(ctx, time.Duration(cfg.RetentionSweepMinutes)*time.Minute)
	}()

	app.HTTP.Start(cfg.HTTPPort)

	<-ctx.Done()
	logger.Infof(ctx, "shutdown requested")

	// Stop accepting producers first so no new readings arrive while the
	// stores drain.
	app.Ingest.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.HTTP.Shutdown(shutdownCtx); err != nil {
		logger.Warnf(ctx, "http shutdown: %v", err)
	}

	if err := app.Store.Stop(); err != nil {
		logger.Errorf(ctx, "closing telemetry log: %v", err)
	}

	workers.Wait()
	logger.Infof(ctx, "server stopped")
}
