// Command server starts the lead gateway HTTP server: webhook ingest plus
// the read-only observability surface.
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

	httpserver "github.com/fairyhunter13/lead-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/lead-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/lead-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/lead-gateway/internal/app"
	"github.com/fairyhunter13/lead-gateway/internal/config"
	"github.com/fairyhunter13/lead-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.MigrateUp(ctx, pool); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	leadRepo := postgres.NewLeadRepo(pool)
	attemptRepo := postgres.NewAttemptRepo(pool)

	bundle, err := app.BuildQueue(cfg, pool, "")
	if err != nil {
		slog.Error("queue init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if bundle.Close != nil {
		defer bundle.Close()
	}

	if cfg.DataRetentionDays > 0 {
		retention := postgres.NewRetentionService(pool, cfg.DataRetentionDays)
		go retention.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("retention sweeper started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Leads whose enqueue failed at ingest sit in RECEIVED with no job;
	// the sweeper re-enqueues them.
	if sweeper := app.NewOrphanLeadSweeper(leadRepo, bundle.Queue, cfg.OrphanMaxAge, cfg.OrphanSweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	dbCheck, queueCheck := app.BuildReadinessChecks(pool, bundle.Queue)
	srv := &httpserver.Server{
		Cfg:        cfg,
		Ingest:     usecase.NewIngestService(leadRepo, bundle.Queue),
		Stats:      usecase.NewStatsService(leadRepo, attemptRepo),
		DBCheck:    dbCheck,
		QueueCheck: queueCheck,
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
