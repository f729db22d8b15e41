// Package main is the entrypoint for the docgen API server and worker pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riskworks/docgen/internal/api"
	"github.com/riskworks/docgen/internal/api/handler"
	"github.com/riskworks/docgen/internal/broker"
	"github.com/riskworks/docgen/internal/config"
	"github.com/riskworks/docgen/internal/enrich"
	"github.com/riskworks/docgen/internal/generator"
	"github.com/riskworks/docgen/internal/intake"
	"github.com/riskworks/docgen/internal/objstore"
	"github.com/riskworks/docgen/internal/queue"
	"github.com/riskworks/docgen/internal/store"
	"github.com/riskworks/docgen/internal/thumbnail"
	"github.com/riskworks/docgen/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "broker_enabled", cfg.Broker.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Broker connection. Deliberately not pinged here: the server must
	// come up even when Redis is down, and the connection dials lazily.
	conn, err := broker.New(cfg.Broker)
	if err != nil {
		return fmt.Errorf("create broker connection: %w", err)
	}
	defer conn.Close()

	// 5. Queue, store, intake
	pgStore := store.NewPostgresStore(pool)
	jobQueue := queue.New(conn, cfg.Worker.MaxJobAttempts, cfg.Worker.BackoffBase)
	intakeSvc := intake.NewService(pgStore, jobQueue, cfg.Pricing.UnitCents)

	// 6. Worker pipeline collaborators
	catalog := enrich.NewHTTPCatalog(cfg.Catalog.BaseURL, cfg.Catalog.Timeout, conn)
	enricher := enrich.New(catalog)
	uploader := objstore.NewHTTPUploader(cfg.Storage.BaseURL, cfg.Storage.Bucket, cfg.Storage.Timeout)
	pipeline := worker.NewPipeline(pgStore, jobQueue, enricher,
		generator.Default(), thumbnail.NewCardRenderer(), uploader)

	// 7. Worker pool
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	limiter := worker.NewRateLimiter(conn, cfg.Worker.MaxStartsPerMin)
	workers := worker.NewPool(jobQueue, pipeline, limiter, cfg.Worker)
	workers.Start(workerCtx)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		HealthHandler:       handler.NewHealthHandler(pgStore, jobQueue),
		SubmitHandler:       handler.NewSubmitDocumentHandler(intakeSvc),
		PollHandler:         handler.NewPollDocumentHandler(pgStore),
		QueueMetricsHandler: handler.NewQueueMetricsHandler(jobQueue),
		QueueDrainHandler:   handler.NewQueueDrainHandler(jobQueue),
		BrokerStatusHandler: handler.NewBrokerStatusHandler(jobQueue),
	}
	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Stop accepting new jobs, then let in-flight pipelines finish.
	jobQueue.Shutdown()
	stopWorkers()
	workers.Wait()

	slog.Info("server stopped gracefully")
	return nil
}
