package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stwalsh4118/canopy/internal/config"
	"github.com/stwalsh4118/canopy/internal/database"
	"github.com/stwalsh4118/canopy/internal/fetch"
	"github.com/stwalsh4118/canopy/internal/ingest"
	"github.com/stwalsh4118/canopy/internal/logger"
	"github.com/stwalsh4118/canopy/internal/observability"
	"github.com/stwalsh4118/canopy/internal/raster"
	"github.com/stwalsh4118/canopy/internal/repository"
	"github.com/stwalsh4118/canopy/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(os.Stdout, connect)
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// connect loads configuration and wires the store, fetcher and coordinator.
// Logs go to stderr so stdout carries only the run summaries.
func connect(ctx context.Context) (services.Ingester, int, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.NewWithWriter(cfg.Server.Env, os.Stderr).WithLevel(cfg.Server.LogLevel)
	if err != nil {
		return nil, 0, nil, err
	}

	db, err := database.NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Runs are one-shot, so metrics stay unregistered.
	metrics := observability.NewMetricsForTesting()
	fetcher := fetch.NewClient(cfg.Fetch, fetch.WithLogger(log), fetch.WithMetrics(metrics))

	// Concurrent regions share national PRISM grids; cache them for the
	// life of the process.
	grids := raster.NewGridCache(raster.NewFetchingLoader(fetcher, cfg.Sources.PRISMBaseURL, log), cacheTTL(cfg.Ingest), metrics)

	coordinator := ingest.NewCoordinator(
		repository.NewStore(db, cfg.Database.Schema), fetcher, cfg.Sources, cfg.Ingest,
		ingest.WithLogger(log), ingest.WithMetrics(metrics), ingest.WithGridLoader(grids),
	)

	closeFn := func() {
		grids.Stop()
		db.Close()
	}
	return coordinator, cfg.Ingest.RegionWorkers, closeFn, nil
}

// cacheTTL keeps grids for the whole run when no TTL is configured.
func cacheTTL(cfg config.IngestConfig) time.Duration {
	if cfg.RasterCacheTTL > 0 {
		return cfg.RasterCacheTTL
	}
	return 6 * time.Hour
}
