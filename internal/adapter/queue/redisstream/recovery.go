package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/observability"
)

// RecoverPending replays entries this consumer claimed before a crash but
// never acked. Entries older than the configured pending age are dropped as
// expired: their backing task rows have long been failed or retaken, and
// re-running them would only duplicate backend calls.
//
// Replay walks the pending list with a cursor so entries whose Recover call
// fails stay pending without stalling the scan.
func (c *Consumer) RecoverPending(ctx context.Context) error {
	slog.Info("scanning pending entries",
		slog.String("stream", c.family.StreamKey),
		slog.String("consumer", c.consumer))

	var replayed, expired, kept int
	cursor := "0"
	for {
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.family.GroupName,
			Consumer: c.consumer,
			Streams:  []string{c.family.StreamKey, cursor},
			Count:    int64(c.recoveryBatch),
			Block:    -1,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				break
			}
			return fmt.Errorf("op=queue.recover stream=%s: %w", c.family.StreamKey, err)
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			break
		}

		for _, msg := range res[0].Messages {
			cursor = msg.ID

			if ts, err := ParseMessageID(msg.ID); err == nil && time.Since(ts) > c.pendingMaxAge {
				slog.Warn("dropping expired pending entry",
					slog.String("message_id", msg.ID),
					slog.Duration("age", time.Since(ts)))
				c.ack(ctx, msg.ID)
				observability.RecordRecovery(c.family.ID, "expired")
				expired++
				continue
			}

			task, err := DecodeMessage(msg.Values)
			if err != nil {
				if dlqErr := c.moveToDLQ(ctx, msg, err); dlqErr != nil {
					slog.Error("dead-letter write failed during recovery",
						slog.String("message_id", msg.ID),
						slog.Any("error", dlqErr))
					kept++
					continue
				}
				c.ack(ctx, msg.ID)
				continue
			}

			lg := observability.LoggerFromContext(ctx).With(
				slog.String("task_id", task.TaskID),
				slog.String("family", c.family.ID),
				slog.String("message_id", msg.ID))
			if err := c.processor.Recover(observability.ContextWithLogger(ctx, lg), task); err != nil {
				lg.Error("pending entry replay failed, keeping it pending", slog.Any("error", err))
				kept++
				continue
			}
			c.ack(ctx, msg.ID)
			observability.RecordRecovery(c.family.ID, "replayed")
			replayed++
		}
	}

	slog.Info("pending scan complete",
		slog.String("stream", c.family.StreamKey),
		slog.Int("replayed", replayed),
		slog.Int("expired", expired),
		slog.Int("kept", kept))
	return nil
}
