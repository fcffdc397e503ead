// Package main is the entrypoint for the gradeflow pipeline worker.
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

	"github.com/kiranshivaraju/gradeflow/internal/billing"
	"github.com/kiranshivaraju/gradeflow/internal/cache"
	"github.com/kiranshivaraju/gradeflow/internal/config"
	"github.com/kiranshivaraju/gradeflow/internal/pipeline"
	"github.com/kiranshivaraju/gradeflow/internal/steps"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("config loaded",
		"worker_id", cfg.Worker.ID,
		"concurrency", cfg.Worker.Concurrency,
		"lease", cfg.Worker.LeaseDuration,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		// Events are best effort; the worker still makes progress without Redis.
		slog.Warn("redis unavailable, pipeline events will be dropped", "error", err)
	}

	pgStore := store.NewPostgresStore(pool)
	billingSvc := billing.NewService(pgStore, billing.Options{})

	registry := pipeline.NewRegistry()
	steps.New(pgStore, billingSvc, steps.Options{}).Register(registry)
	slog.Info("step handlers registered", "steps", registry.Names())

	workers := newWorkers(cfg.Worker, pgStore, registry, cache.NewEventPublisher(redisCache, 0))

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	g.Go(func() error {
		slog.Info("metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// newWorkers builds one leasing loop per unit of concurrency. Each loop gets
// its own worker id so leases and step events name the loop that held them.
func newWorkers(cfg config.WorkerConfig, st store.PipelineStore, reg *pipeline.Registry, pub pipeline.Publisher) []*worker.Worker {
	n := cfg.Concurrency
	if n < 1 {
		n = 1
	}
	out := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		id := cfg.ID
		if n > 1 {
			id = fmt.Sprintf("%s-%d", cfg.ID, i)
		}
		out = append(out, worker.New(st, reg, worker.Options{
			ID:            id,
			LeaseDuration: cfg.LeaseDuration,
			PollInterval:  cfg.PollInterval,
			RetryBase:     cfg.RetryBase,
			RetryMax:      cfg.RetryMax,
			Publisher:     pub,
		}))
	}
	return out
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}
