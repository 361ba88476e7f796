// Command worker runs the lead processing pool: it dequeues process_lead
// jobs and drives each lead through validation, normalization, mapping and
// delivery with retries.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/lead-gateway/internal/adapter/delivery"
	"github.com/fairyhunter13/lead-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/lead-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/lead-gateway/internal/app"
	"github.com/fairyhunter13/lead-gateway/internal/config"
	"github.com/fairyhunter13/lead-gateway/internal/service/pipeline"
	"github.com/fairyhunter13/lead-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// The worker exposes its own /metrics endpoint for scraping.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if err := metricsSrv.ListenAndServe(); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.Int("concurrency", cfg.WorkerConcurrency))

	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	bundle, err := app.BuildQueue(cfg, pool, cfg.KafkaGroup)
	if err != nil {
		slog.Error("queue init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if bundle.Close != nil {
		defer bundle.Close()
	}

	validator, err := pipeline.NewValidator(cfg.ZipcodePattern, cfg.RequiredFields, pipeline.RejectionCodes{
		Zipcode:   cfg.RejectZipcodeCode,
		Homeowner: cfg.RejectHomeownerCode,
		Missing:   cfg.RejectMissingCode,
	})
	if err != nil {
		slog.Error("validator init failed", slog.Any("error", err))
		os.Exit(1)
	}

	attrs, err := config.LoadAttributeMapping(cfg.AttributeMappingFile)
	if err != nil {
		slog.Error("attribute mapping load failed", slog.Any("error", err), slog.String("path", cfg.AttributeMappingFile))
		os.Exit(1)
	}
	mapper := pipeline.NewMapper(cfg.CustomerProductName, attrs)

	leadRepo := postgres.NewLeadRepo(pool)
	attemptRepo := postgres.NewAttemptRepo(pool)

	processor := usecase.NewProcessor(
		leadRepo,
		attemptRepo,
		bundle.Queue,
		validator,
		mapper,
		delivery.New(cfg),
		cfg.Backoff(),
		cfg.WorkerPollInterval,
		cfg.WorkerConcurrency,
	)

	// Jobs held in processing by a crashed worker get failed and surfaced.
	if sweeper := app.NewStuckJobSweeper(bundle.Resetter, cfg.JobMaxProcessingAge, cfg.JobSweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	processor.Run(ctx)
	slog.Info("worker stopped")
}
