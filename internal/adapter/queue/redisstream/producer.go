package redisstream

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// DefaultStreamMaxLen bounds each provider stream; entries beyond it are
// trimmed approximately on every append.
const DefaultStreamMaxLen = 100

// Producer appends task envelopes to provider streams and implements
// domain.Producer.
type Producer struct {
	client   redis.Cmdable
	maxLen   int64
	families map[string]string // stream key -> family id, for metric labels
}

// NewProducer constructs a Producer over the given client. maxLen bounds the
// per-family streams; values below one fall back to DefaultStreamMaxLen.
func NewProducer(client redis.Cmdable, families []domain.ProviderFamily, maxLen int64) *Producer {
	if maxLen < 1 {
		maxLen = DefaultStreamMaxLen
	}
	byStream := make(map[string]string, len(families))
	for _, f := range families {
		byStream[f.StreamKey] = f.ID
	}
	return &Producer{client: client, maxLen: maxLen, families: byStream}
}

// Enqueue appends one task envelope to streamKey and returns the assigned
// stream entry id. Failures wrap domain.ErrQueueUnavailable so callers can
// fail the task row instead of losing it silently.
func (p *Producer) Enqueue(ctx domain.Context, streamKey string, msg domain.TaskMessage) (string, error) {
	values, err := EncodeMessage(msg)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue stream=%s: %w: %v", streamKey, domain.ErrQueueUnavailable, err)
	}
	observability.EnqueueTask(p.familyOf(streamKey))
	slog.Info("task enqueued",
		slog.String("stream", streamKey),
		slog.String("task_id", msg.TaskID),
		slog.String("message_id", id))
	return id, nil
}

// Ping reports broker connectivity; used by health checks.
func (p *Producer) Ping(ctx domain.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=queue.ping: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

func (p *Producer) familyOf(streamKey string) string {
	if id, ok := p.families[streamKey]; ok {
		return id
	}
	return streamKey
}
