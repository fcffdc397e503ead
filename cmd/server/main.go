// Package main is the entrypoint for the gradeflow API server.
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

	"github.com/kiranshivaraju/gradeflow/internal/api"
	"github.com/kiranshivaraju/gradeflow/internal/api/handler"
	mw "github.com/kiranshivaraju/gradeflow/internal/api/middleware"
	"github.com/kiranshivaraju/gradeflow/internal/api/response"
	"github.com/kiranshivaraju/gradeflow/internal/billing"
	"github.com/kiranshivaraju/gradeflow/internal/cache"
	"github.com/kiranshivaraju/gradeflow/internal/config"
	"github.com/kiranshivaraju/gradeflow/internal/pipeline"
	"github.com/kiranshivaraju/gradeflow/internal/store"
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
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("config loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)

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
	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
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

	// 5. Create store and services
	pgStore := store.NewPostgresStore(pool)
	billingSvc := billing.NewService(pgStore, billing.Options{})
	pipelineSvc := pipeline.NewService(pgStore, billingSvc, pipeline.Options{
		Publisher: cache.NewEventPublisher(redisCache, 0),
	})

	// 6. Build router with dependencies
	router := api.NewRouter(newDependencies(cfg, pgStore, redisCache, pipelineSvc, billingSvc))

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
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

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newDependencies wires every route to its handler.
func newDependencies(cfg *config.Config, st store.Store, c cache.Cache,
	pipelines handler.PipelineService, bill handler.BillingService) api.Dependencies {
	return api.Dependencies{
		Auth:           mw.NewAuth(st, cfg.Auth.BootstrapKeyHash),
		RateLimit:      mw.NewRateLimit(c, cfg.Server.RateLimit),
		Idempotency:    mw.NewIdempotency(c, cfg.Server.IdempotencyTTL),
		AllowedOrigins: cfg.Server.AllowedOrigins,

		HealthHandler: healthHandler(st, c),

		CreateAssignmentPipeline: handler.NewCreateAssignmentPipelineHandler(pipelines),
		ListAssignmentRuns:       handler.NewListAssignmentRunsHandler(pipelines),
		CreateSubmissionPipeline: handler.NewCreateSubmissionPipelineHandler(pipelines),
		ListSubmissionRuns:       handler.NewListSubmissionRunsHandler(pipelines),
		GetRun:                   handler.NewGetRunHandler(pipelines),
		GetRunStatus:             handler.NewRunStatusHandler(pipelines, c),
		CancelRun:                handler.NewCancelRunHandler(pipelines),
		RetryStep:                handler.NewRetryStepHandler(pipelines),
		ListStepEvents:           handler.NewListStepEventsHandler(pipelines),

		CreateAccount: handler.NewCreateAccountHandler(bill),
		GetBalance:    handler.NewGetBalanceHandler(bill),
		ListLedger:    handler.NewListLedgerHandler(bill),
		Reconcile:     handler.NewReconcileHandler(bill),
		CreditAccount: handler.NewCreditHandler(bill),
		ChargeUsage:   handler.NewChargeHandler(bill),
		ListRates:     handler.NewListRatesHandler(bill),

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
