package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stwalsh4118/canopy/internal/config"
	"github.com/stwalsh4118/canopy/internal/database"
	"github.com/stwalsh4118/canopy/internal/fetch"
	"github.com/stwalsh4118/canopy/internal/handlers"
	"github.com/stwalsh4118/canopy/internal/ingest"
	"github.com/stwalsh4118/canopy/internal/logger"
	"github.com/stwalsh4118/canopy/internal/middleware"
	"github.com/stwalsh4118/canopy/internal/observability"
	"github.com/stwalsh4118/canopy/internal/raster"
	"github.com/stwalsh4118/canopy/internal/repository"
	"github.com/stwalsh4118/canopy/internal/services"
)

const (
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Server.Env).WithLevel(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Starting Canopy ingest API", map[string]interface{}{
		"version":     handlers.APIVersion,
		"environment": cfg.Server.Env,
		"port":        cfg.Server.Port,
	})

	ctx := context.Background()
	db, err := database.NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", err, map[string]interface{}{
			"host": cfg.Database.Host,
			"port": cfg.Database.Port,
			"name": cfg.Database.Name,
		})
	}
	defer db.Close()

	log.Info("Database connection established", map[string]interface{}{
		"host":     cfg.Database.Host,
		"port":     cfg.Database.Port,
		"database": cfg.Database.Name,
		"schema":   cfg.Database.Schema,
		"pool_min": cfg.Database.PoolMin,
		"pool_max": cfg.Database.PoolMax,
	})

	metrics := observability.NewMetrics()
	store := repository.NewStore(db, cfg.Database.Schema)
	fetcher := fetch.NewClient(cfg.Fetch, fetch.WithLogger(log), fetch.WithMetrics(metrics))

	opts := []ingest.Option{ingest.WithLogger(log), ingest.WithMetrics(metrics)}
	if cfg.Ingest.RasterCacheTTL > 0 {
		grids := raster.NewGridCache(raster.NewFetchingLoader(fetcher, cfg.Sources.PRISMBaseURL, log), cfg.Ingest.RasterCacheTTL, metrics)
		defer grids.Stop()
		opts = append(opts, ingest.WithGridLoader(grids))
		log.Info("Raster grid cache enabled", map[string]interface{}{
			"ttl": cfg.Ingest.RasterCacheTTL.String(),
		})
	}
	coordinator := ingest.NewCoordinator(store, fetcher, cfg.Sources, cfg.Ingest, opts...)
	ingestService := services.NewIngestService(coordinator, store, log)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Middleware order: RequestID -> Logger -> Recovery -> CORS
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(cfg.CORS.Origins))

	healthHandler := handlers.NewHealthHandler(cfg.Server.Env, cfg.Database.Schema, clockwork.NewRealClock(),
		handlers.DatabaseCheck(db), handlers.ScratchCheck(cfg.Fetch.ScratchDir))
	router.GET("/health", healthHandler.Health)
	router.GET("/health/ready", healthHandler.Ready)
	router.GET("/api/v1/info", healthHandler.Info)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ingestHandler := handlers.NewIngestHandler(ingestService)
	regionHandler := handlers.NewRegionHandler(ingestService)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/regions", regionHandler.Regions)
		v1.GET("/counties/at-point", regionHandler.CountyAtPoint)

		runs := v1.Group("/ingest/:region")
		{
			runs.POST("", ingestHandler.Tabular)
			runs.POST("/climate", ingestHandler.Climate)
			runs.POST("/boundaries", ingestHandler.Boundaries)
		}
	}

	// No WriteTimeout: an ingest request stays open until its run finishes.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server listening", map[string]interface{}{
			"port": cfg.Server.Port,
			"addr": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed to start", err, nil)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", err, map[string]interface{}{
			"timeout": shutdownTimeout.String(),
		})
	}

	log.Info("Server exited", nil)
}
