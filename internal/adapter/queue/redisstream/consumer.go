package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// Consumer defaults; zero config fields fall back to these.
const (
	DefaultBlock         = 2 * time.Second
	DefaultRetryDelay    = 5 * time.Second
	DefaultDLQMaxLen     = 10000
	DefaultRecoveryBatch = 50
	DefaultPendingMaxAge = 60 * time.Second
)

// ConsumerConfig holds the tunables of one worker consumer.
type ConsumerConfig struct {
	Family        domain.ProviderFamily
	ConsumerName  string
	PoolSize      int
	Block         time.Duration
	RetryDelay    time.Duration
	DLQMaxLen     int64
	RecoveryBatch int
	PendingMaxAge time.Duration

	// Group creation retry, in the shape of ExponentialBackOff knobs.
	BackoffMaxElapsedTime  time.Duration
	BackoffInitialInterval time.Duration
	BackoffMaxInterval     time.Duration
	BackoffMultiplier      float64
}

// Consumer reads one provider stream through its consumer group and hands
// every envelope to a TaskProcessor. A nil Process return acks the entry;
// an error leaves it pending so a restart replays it.
type Consumer struct {
	client    redis.Cmdable
	processor domain.TaskProcessor
	family    domain.ProviderFamily
	consumer  string
	poolSize  int

	block         time.Duration
	retryDelay    time.Duration
	dlqMaxLen     int64
	recoveryBatch int
	pendingMaxAge time.Duration

	boMaxElapsed time.Duration
	boInitial    time.Duration
	boMax        time.Duration
	boMultiplier float64
}

// NewConsumer constructs a Consumer. The pool size is clamped to the
// family's concurrency ceiling; an empty consumer name gets a stable
// hostname-derived default so restarts resume the same pending list.
func NewConsumer(client redis.Cmdable, processor domain.TaskProcessor, cfg ConsumerConfig) *Consumer {
	name := cfg.ConsumerName
	if name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		name = host + "-" + ulid.Make().String()
	}
	c := &Consumer{
		client:        client,
		processor:     processor,
		family:        cfg.Family,
		consumer:      name,
		poolSize:      cfg.Family.ClampConcurrency(cfg.PoolSize),
		block:         cfg.Block,
		retryDelay:    cfg.RetryDelay,
		dlqMaxLen:     cfg.DLQMaxLen,
		recoveryBatch: cfg.RecoveryBatch,
		pendingMaxAge: cfg.PendingMaxAge,
		boMaxElapsed:  cfg.BackoffMaxElapsedTime,
		boInitial:     cfg.BackoffInitialInterval,
		boMax:         cfg.BackoffMaxInterval,
		boMultiplier:  cfg.BackoffMultiplier,
	}
	if c.block <= 0 {
		c.block = DefaultBlock
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.dlqMaxLen < 1 {
		c.dlqMaxLen = DefaultDLQMaxLen
	}
	if c.recoveryBatch < 1 {
		c.recoveryBatch = DefaultRecoveryBatch
	}
	if c.pendingMaxAge <= 0 {
		c.pendingMaxAge = DefaultPendingMaxAge
	}
	return c
}

// ConsumerName returns the name this consumer registers in the group under.
func (c *Consumer) ConsumerName() string { return c.consumer }

// getBackoffConfig returns the ExponentialBackOff used for group creation.
func (c *Consumer) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	if c.boMaxElapsed > 0 {
		expo.MaxElapsedTime = c.boMaxElapsed
	}
	if c.boInitial > 0 {
		expo.InitialInterval = c.boInitial
	}
	if c.boMax > 0 {
		expo.MaxInterval = c.boMax
	}
	if c.boMultiplier > 0 {
		expo.Multiplier = c.boMultiplier
	}
	return expo
}

// EnsureGroup creates the family stream and consumer group if they do not
// exist yet, retrying with exponential backoff while the broker comes up.
// An already existing group is not an error.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	op := func() error {
		err := c.client.XGroupCreateMkStream(ctx, c.family.StreamKey, c.family.GroupName, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("consumer group create failed, retrying",
				slog.String("stream", c.family.StreamKey),
				slog.String("group", c.family.GroupName),
				slog.Any("error", err))
			return err
		}
		return nil
	}
	bo := backoff.WithContext(c.getBackoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=queue.ensure_group stream=%s: %w", c.family.StreamKey, err)
	}
	slog.Info("consumer group ready",
		slog.String("stream", c.family.StreamKey),
		slog.String("group", c.family.GroupName),
		slog.String("consumer", c.consumer))
	return nil
}

// Run reads and processes messages until ctx is cancelled. PoolSize
// goroutines share one consumer name, so the group delivers each entry to
// exactly one of them.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("consumer starting",
		slog.String("family", c.family.ID),
		slog.String("stream", c.family.StreamKey),
		slog.String("consumer", c.consumer),
		slog.Int("pool_size", c.poolSize))

	var wg sync.WaitGroup
	for i := 0; i < c.poolSize; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.readLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	slog.Info("consumer stopped", slog.String("family", c.family.ID))
	return nil
}

func (c *Consumer) readLoop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.family.GroupName,
			Consumer: c.consumer,
			Streams:  []string{c.family.StreamKey, ">"},
			Count:    1,
			Block:    c.block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				// No messages within the block window
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Error("stream read failed",
				slog.String("stream", c.family.StreamKey),
				slog.Int("worker", worker),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

// handle runs one delivery. Undecodable entries move to the dead-letter
// stream and are acked once preserved there; processing errors leave the
// entry pending for replay after a restart.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	task, err := DecodeMessage(msg.Values)
	if err != nil {
		slog.Error("undecodable stream entry",
			slog.String("stream", c.family.StreamKey),
			slog.String("message_id", msg.ID),
			slog.Any("error", err))
		if dlqErr := c.moveToDLQ(ctx, msg, err); dlqErr != nil {
			slog.Error("dead-letter write failed, leaving entry pending",
				slog.String("message_id", msg.ID),
				slog.Any("error", dlqErr))
			return
		}
		c.ack(ctx, msg.ID)
		return
	}

	// Attach an entry-scoped logger so downstream layers correlate their
	// logs with this delivery.
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("task_id", task.TaskID),
		slog.String("family", c.family.ID),
		slog.String("message_id", msg.ID),
	)
	ctx = observability.ContextWithLogger(ctx, lg)

	if err := c.processor.Process(ctx, task); err != nil {
		lg.Error("task processing failed, leaving entry pending", slog.Any("error", err))
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.family.StreamKey, c.family.GroupName, id).Err(); err != nil {
		slog.Warn("ack failed",
			slog.String("stream", c.family.StreamKey),
			slog.String("message_id", id),
			slog.Any("error", err))
	}
}

// moveToDLQ preserves a poisoned entry on the shared dead-letter stream.
func (c *Consumer) moveToDLQ(ctx context.Context, msg redis.XMessage, cause error) error {
	entry := domain.DLQEntry{
		OriginalID:   msg.ID,
		Error:        cause.Error(),
		SourceWorker: c.consumer,
		FailedAt:     time.Now().UTC(),
		RawPayload:   rawPayload(msg.Values),
	}
	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: domain.DeadLetterStream,
		MaxLen: c.dlqMaxLen,
		Approx: true,
		Values: map[string]any{
			"original_id":   entry.OriginalID,
			"error":         entry.Error,
			"source_worker": entry.SourceWorker,
			"failed_at":     entry.FailedAt.Format(time.RFC3339),
			"raw_payload":   entry.RawPayload,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("op=queue.dead_letter: %w", err)
	}
	observability.RecordDLQ(c.family.ID)
	slog.Warn("entry moved to dead-letter stream",
		slog.String("original_id", entry.OriginalID),
		slog.String("dlq_id", id),
		slog.String("error", entry.Error))
	return nil
}
