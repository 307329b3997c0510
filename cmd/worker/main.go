// Package main provides the worker application entry point.
// A worker process drains one provider family's stream and executes chat
// tasks against that family's backend nodes.
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
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/backend"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/queue/redisstream"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Setup logging
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics endpoint so Prometheus can scrape queue metrics.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	// Enable tracing for worker-side spans when an OTLP endpoint is
	// configured.
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("family", cfg.WorkerFamily))

	// Database connection
	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
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
	fam, ok := registry.Get(cfg.WorkerFamily)
	if !ok {
		slog.Error("unknown worker family", slog.String("family", cfg.WorkerFamily))
		os.Exit(1)
	}

	// Repositories
	convRepo := postgres.NewConversationRepo(pool)
	batchRepo := postgres.NewBatchRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	nodeRepo := postgres.NewNodeRepo(pool, families)

	// Backend node HTTP client
	client := backend.New(cfg.UploadRelayTimeout)

	processor := redisstream.NewProcessor(convRepo, batchRepo, taskRepo, nodeRepo, client, fam).
		WithHistoryLimit(cfg.ContextHistoryLimit).
		WithAcquireRetry(domain.AcquireRetryConfig{
			MaxAttempts: cfg.NodeAcquireMaxAttempts,
			MinJitter:   cfg.NodeAcquireMinJitter,
			MaxJitter:   cfg.NodeAcquireMaxJitter,
		}).
		WithDriftMonitor(observability.NewLatencyDriftMonitor(20, 5.0))

	// Stream consumer bound to this family's group
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()

	boMaxElapsed, boInitial, boMax, boMultiplier := cfg.GetBrokerBackoffConfig()
	consumer := redisstream.NewConsumer(rdb, processor, redisstream.ConsumerConfig{
		Family:        fam,
		ConsumerName:  cfg.WorkerID,
		PoolSize:      cfg.WorkerPoolSize,
		Block:         cfg.ConsumerBlock,
		RetryDelay:    cfg.BrokerRetryDelay,
		DLQMaxLen:     cfg.DLQMaxLen,
		RecoveryBatch: int(cfg.RecoveryBatchSize),
		PendingMaxAge: cfg.PendingMaxAge,

		BackoffMaxElapsedTime:  boMaxElapsed,
		BackoffInitialInterval: boInitial,
		BackoffMaxInterval:     boMax,
		BackoffMultiplier:      boMultiplier,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := consumer.EnsureGroup(ctx); err != nil {
		slog.Error("consumer group create failed", slog.String("stream", fam.StreamKey), slog.Any("error", err))
		os.Exit(1)
	}
	// Replay entries a crashed worker left pending before taking new work.
	// Failure here is not fatal: new traffic must keep flowing.
	if err := consumer.RecoverPending(ctx); err != nil {
		slog.Error("pending recovery failed", slog.Any("error", err))
	}

	// DB-level sweeper: fails PROCESSING rows whose stream entry was lost,
	// e.g. trimmed out of the capped stream, so they do not hang forever.
	if sweeper := app.NewStuckTaskSweeper(taskRepo, batchRepo, 2*fam.RequestTimeout+time.Minute, time.Minute); sweeper != nil {
		go sweeper.Run(ctx)
	}

	// Start worker in background
	slog.Info("starting stream consumer",
		slog.String("stream", fam.StreamKey),
		slog.String("group", fam.GroupName),
		slog.String("consumer", consumer.ConsumerName()),
		slog.Int("pool_size", cfg.WorkerPoolSize))
	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(ctx) }()

	// Wait for shutdown signals
	slog.Info("worker started successfully, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			slog.Error("worker error", slog.Any("error", err))
		}
	}
	slog.Info("worker stopped")
}
