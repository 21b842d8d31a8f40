// Package main is the entrypoint for the Strift agent: the HTTP service that
// submits jobs to the worker and keeps them tracked across client sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/strift/internal/api"
	"github.com/kiranshivaraju/strift/internal/api/handler"
	mw "github.com/kiranshivaraju/strift/internal/api/middleware"
	"github.com/kiranshivaraju/strift/internal/api/response"
	"github.com/kiranshivaraju/strift/internal/cache"
	"github.com/kiranshivaraju/strift/internal/config"
	"github.com/kiranshivaraju/strift/internal/store"
	"github.com/kiranshivaraju/strift/internal/worker"
	"github.com/kiranshivaraju/strift/internal/workflow"
	"github.com/kiranshivaraju/strift/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	migrationsDir   = "migrations"
)

func main() {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := config.SetupLogger(os.Stdout, cfg.Log, cfg.Server.Env == "development")
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "worker", cfg.Worker.BaseURL)

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

	pgStore := store.NewPostgresStore(pool)

	if cfg.Server.BootstrapAdmin != "" {
		if err := bootstrapAdminKey(ctx, pgStore, cfg.Server.BootstrapAdmin, os.Stderr); err != nil {
			return fmt.Errorf("bootstrap admin key: %w", err)
		}
	}

	// 5. Worker client and job service
	client := worker.NewHTTPClient(worker.Options{
		BaseURL:       cfg.Worker.BaseURL,
		APIKey:        cfg.Worker.APIKey,
		UploadTimeout: cfg.Worker.UploadTimeout,
	})
	svc := workflow.NewService(client, pgStore, redisCache, workflow.Options{
		Tracker:   cfg.Polling.TrackerConfig(),
		MirrorTTL: cfg.Mirror.TTL,
	})
	defer svc.Close()

	if _, err := svc.Resume(ctx); err != nil {
		// jobs stay journaled; a status read attaches them on demand
		slog.Warn("resuming tracked jobs failed", "error", err)
	}

	// 6. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.PerMinute),

		HealthHandler: healthHandler(pgStore, redisCache),

		TrainHandler: handler.NewTrainHandler(svc),
		InferHandler: handler.NewInferHandler(svc),
		VTONHandler:  handler.NewVTONHandler(svc),
		ListJobs:     handler.NewListJobsHandler(svc),
		JobHistory:   handler.NewJobHistoryHandler(svc),
		JobStatus:    handler.NewJobStatusHandler(svc),
		CancelJob:    handler.NewCancelJobHandler(svc),
		ForgetJob:    handler.NewForgetJobHandler(svc),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	})

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agent listening", "addr", addr)
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

	slog.Info("agent stopped gracefully", "tracked_jobs", svc.Registry().Len())
	return nil
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

type keyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error)
}

// bootstrapAdminKey issues an admin key for userID when no key exists yet and
// writes the raw key to out. It is the only time the raw key is shown.
func bootstrapAdminKey(ctx context.Context, keys keyStore, userID string, out io.Writer) error {
	existing, err := keys.ListAPIKeys(ctx, "")
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	key, raw, err := handler.NewAPIKey(userID, "bootstrap", []string{"admin"})
	if err != nil {
		return err
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrap admin key created", "user_id", userID, "key_prefix", key.KeyPrefix)
	fmt.Fprintf(out, "admin API key for %s (shown once): %s\n", userID, raw)
	return nil
}
