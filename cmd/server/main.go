package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dandantas/dcm/internal/backend"
	"github.com/dandantas/dcm/internal/config"
	"github.com/dandantas/dcm/internal/database"
	"github.com/dandantas/dcm/internal/handler"
	"github.com/dandantas/dcm/internal/layout"
	"github.com/dandantas/dcm/internal/monitor"
	"github.com/dandantas/dcm/internal/scheduler"
	"github.com/dandantas/dcm/internal/service"
	"github.com/dandantas/dcm/internal/store"
	"github.com/dandantas/dcm/internal/widget"
	"github.com/dandantas/dcm/pkg/middleware"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	slog.Info("Starting DCM dashboard service", "version", version)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to MongoDB
	db, err := database.Connect(ctx, database.ConnectOptions{
		URI:         cfg.MongoURI,
		Database:    cfg.MongoDatabase,
		Timeout:     cfg.MongoTimeout,
		MaxPoolSize: uint64(cfg.MongoMaxPoolSize),
	})
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Disconnect(context.Background()); err != nil {
			slog.Error("Failed to disconnect from MongoDB", "error", err)
		}
	}()

	// Create indexes
	if err := database.CreateIndexes(ctx, db); err != nil {
		slog.Error("Failed to create indexes", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	layoutRepo := database.NewLayoutRepository(db)
	archiveRepo := database.NewJobArchiveRepository(db)

	// Initialize backend client
	client := backend.NewClient(backend.Options{
		BaseURL: cfg.BackendURL,
		Timeout: cfg.BackendTimeout,
		Auth: backend.Auth{
			Token:    cfg.BackendToken,
			User:     cfg.BackendUser,
			Password: cfg.BackendPassword,
		},
		Breaker: backend.BreakerConfig{
			FailureThreshold: cfg.BreakerFailures,
			OpenTimeout:      cfg.BreakerOpenTimeout,
		},
	})

	// Initialize stores
	jobStore := store.NewJobStoreSize(client, cfg.JobCacheSize)
	layoutStore := store.NewLayoutStore()

	// Initialize job config poller
	poller, err := scheduler.NewJobConfigPoller(client, jobStore, scheduler.Options{
		Schedule:    cfg.JobConfigPollSchedule,
		Concurrency: cfg.PollerConcurrency,
		Timeout:     cfg.BackendTimeout,
		WatchTTL:    cfg.PollerWatchTTL,
		MaxFailures: cfg.PollerMaxFailures,
	})
	if err != nil {
		slog.Error("Failed to create job config poller", "error", err)
		os.Exit(1)
	}
	if cfg.PollerEnabled {
		poller.Start(ctx)
	}

	// Initialize services
	layoutService := service.NewLayoutService(layoutRepo, layoutStore, widget.DefaultCatalog(), layout.Options{})
	defer layoutService.Close()

	hubOptions := service.HubOptions{
		Monitor: monitor.Options{
			Interval:     cfg.PollInterval,
			MaxErrors:    cfg.PollMaxErrors,
			FetchTimeout: cfg.BackendTimeout,
		},
	}
	var archive service.JobArchive
	if cfg.ArchiveEnabled {
		hubOptions.Archive = archiveRepo
		hubOptions.ArchiveWorkers = cfg.ArchiveWorkers
		hubOptions.ArchiveMemory = cfg.ArchiveMemory
		archive = archiveRepo
	}
	monitorHub := service.NewMonitorHub(jobStore, client, hubOptions)
	defer monitorHub.Close()

	jobService := service.NewJobService(client, jobStore, poller, archive)

	// Initialize handlers
	layoutHandler := handler.NewLayoutHandler(layoutService)
	jobHandler := handler.NewJobHandler(jobService)
	// Create CORS config; websocket upgrades honor the same origins
	corsConfig := middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   cfg.CORSAllowedMethods,
		AllowedHeaders:   cfg.CORSAllowedHeaders,
		AllowCredentials: cfg.CORSAllowCredentials,
		MaxAge:           cfg.CORSMaxAge,
	}
	wsHandler := handler.NewWSHandler(monitorHub, layoutService, corsConfig)
	healthHandler := handler.NewHealthHandler(db, version)

	// Create router
	router := handler.NewRouter(
		layoutHandler,
		jobHandler,
		wsHandler,
		healthHandler,
		corsConfig,
	)

	// Create HTTP server. Websocket sessions are long lived, so only reads
	// of the request headers are bounded.
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router.Handler(),
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Received shutdown signal, initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the poller first (wait for the running round)
	slog.Info("Stopping job config poller...")
	poller.Stop(shutdownCtx)

	// Shutdown HTTP server
	slog.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("DCM dashboard service stopped")
}
