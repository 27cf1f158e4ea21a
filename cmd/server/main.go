// Package main is the entrypoint for the etlpilot API server.
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

	"github.com/kiranshivaraju/etlpilot/internal/api"
	"github.com/kiranshivaraju/etlpilot/internal/api/handler"
	mw "github.com/kiranshivaraju/etlpilot/internal/api/middleware"
	"github.com/kiranshivaraju/etlpilot/internal/cache"
	"github.com/kiranshivaraju/etlpilot/internal/config"
	"github.com/kiranshivaraju/etlpilot/internal/entrypoint"
	"github.com/kiranshivaraju/etlpilot/internal/jobservice"
	"github.com/kiranshivaraju/etlpilot/internal/metrics"
	"github.com/kiranshivaraju/etlpilot/internal/pipeline"
	"github.com/kiranshivaraju/etlpilot/internal/stage"
	"github.com/kiranshivaraju/etlpilot/internal/store"
	"github.com/kiranshivaraju/etlpilot/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout = 30 * time.Second
	migrationsDir   = "migrations"
)

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
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"job_service", cfg.JobService.Kind,
		"env", cfg.Server.Env,
		"pipelines", len(cfg.Pipelines),
	)

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
	if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create job service
	jobs, err := jobservice.New(ctx, cfg.JobService)
	if err != nil {
		return fmt.Errorf("create job service: %w", err)
	}
	slog.Info("job service initialized", "service", jobs.Name())

	metrics.MustRegister()

	// 6. Wire the pipeline service and handlers
	a := newApp(cfg, store.NewPostgresStore(pool), redisCache, jobs)
	if _, err := a.pipelines.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover orphaned runs: %w", err)
	}

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router(),
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
	// Stops polling for in-flight runs and records them as abandoned. The
	// crawls and jobs themselves keep running in the job service.
	if err := a.pipelines.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("pipeline shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// app holds the wired components behind the router.
type app struct {
	cfg         *config.Config
	store       store.Store
	cache       cache.Cache
	jobs        models.JobService
	entryPoints *entrypoint.EntryPoints
	pipelines   *pipeline.Service
}

func newApp(cfg *config.Config, st store.Store, ca cache.Cache, jobs models.JobService) *app {
	driver := stage.NewDriver(jobs)
	orch := pipeline.NewOrchestrator(driver, cfg.Poll)

	return &app{
		cfg:         cfg,
		store:       st,
		cache:       ca,
		jobs:        jobs,
		entryPoints: entrypoint.New(driver, cfg.Poll, entrypoint.WithStatusMemo(ca, cfg.Cache.StatusTTL)),
		pipelines:   pipeline.NewService(orch, cfg.Pipelines, st, ca, cfg.Cache.StatusTTL),
	}
}

func (a *app) router() http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(a.store),
		RateLimit: mw.NewRateLimit(a.cache, a.cfg.RateLimit.PerMinute),

		HealthHandler:  handler.NewHealthHandler(a.store, a.cache, a.jobs.Name()),
		MetricsHandler: promhttp.Handler(),

		StartCrawlHandler: handler.NewStartCrawlHandler(a.entryPoints),
		PollCrawlHandler:  handler.NewPollCrawlHandler(a.entryPoints),
		StartJobHandler:   handler.NewStartJobHandler(a.entryPoints),
		PollJobHandler:    handler.NewPollJobHandler(a.entryPoints),

		TriggerPipelineHandler: handler.NewTriggerPipelineHandler(a.pipelines),
		ListRunsHandler:        handler.NewListRunsHandler(a.pipelines),
		GetRunHandler:          handler.NewGetRunHandler(a.pipelines),
		RunStatusHandler:       handler.NewRunStatusHandler(a.pipelines),
		ListPipelinesHandler:   handler.NewListPipelinesHandler(a.pipelines),
	})
}
