// Command server starts the chat orchestrator HTTP gateway.
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

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/queue/redisstream"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ c *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, queue, and backend instrumentation.
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

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Provider families: built-in defaults merged with optional YAML overrides.
	families, err := config.LoadFamilies(cfg.FamilyConfigPath)
	if err != nil {
		slog.Error("family config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	registry := domain.NewFamilyRegistry(families)

	// Repositories
	convRepo := postgres.NewConversationRepo(pool)
	batchRepo := postgres.NewBatchRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	nodeRepo := postgres.NewNodeRepo(pool, families)

	// Seed backend nodes when a fleet manifest is configured. Upserts are
	// idempotent so re-running on every boot is safe.
	if cfg.NodeSeedPath != "" {
		if err := seedNodesFromYAML(ctx, nodeRepo, cfg.NodeSeedPath); err != nil {
			slog.Error("node seed failed", slog.String("path", cfg.NodeSeedPath), slog.Any("error", err))
		}
	}

	// Start cleanup service for data retention
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.UploadDir, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	// Stream broker (Redis producer)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()
	producer := redisstream.NewProducer(rdb, families, cfg.StreamMaxLen)

	// Usecases
	dispatchSvc := usecase.NewDispatchService(convRepo, batchRepo, taskRepo, nodeRepo, producer, registry)
	statusSvc := usecase.NewStatusService(convRepo, batchRepo, taskRepo)

	// Readiness checks
	dbCheck, brokerCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb})

	// HTTP server
	srv := httpserver.NewServer(cfg, dispatchSvc, statusSvc, dbCheck, brokerCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
