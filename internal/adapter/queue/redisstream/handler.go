package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/tokencount"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-chat-orchestrator/pkg/textx"
)

// Processor runs the per-message worker lifecycle for one provider family:
// idempotent claim, node reservation, file relay, context assembly, backend
// call, refusal audit and terminal commit. One Processor is shared by all
// goroutines of a Consumer pool; it keeps no per-task state.
type Processor struct {
	conversations domain.ConversationRepository
	batches       domain.BatchRepository
	tasks         domain.TaskRepository
	nodes         domain.NodeRepository
	backend       domain.BackendClient
	family        domain.ProviderFamily

	acquireRetry domain.AcquireRetryConfig
	historyLimit int
	tokens       *tokencount.Counter
	drift        *observability.LatencyDriftMonitor
}

var _ domain.TaskProcessor = (*Processor)(nil)

// NewProcessor wires a Processor with production defaults. Optional knobs
// are applied with the With* methods.
func NewProcessor(
	conversations domain.ConversationRepository,
	batches domain.BatchRepository,
	tasks domain.TaskRepository,
	nodes domain.NodeRepository,
	backend domain.BackendClient,
	family domain.ProviderFamily,
) *Processor {
	return &Processor{
		conversations: conversations,
		batches:       batches,
		tasks:         tasks,
		nodes:         nodes,
		backend:       backend,
		family:        family,
		acquireRetry:  domain.DefaultAcquireRetryConfig(),
		historyLimit:  DefaultHistoryLimit,
		tokens:        tokencount.DefaultCounter,
	}
}

// WithHistoryLimit overrides the drift-replay depth.
func (p *Processor) WithHistoryLimit(limit int) *Processor {
	if limit > 0 {
		p.historyLimit = limit
	}
	return p
}

// WithAcquireRetry overrides the node reservation retry policy.
func (p *Processor) WithAcquireRetry(cfg domain.AcquireRetryConfig) *Processor {
	if cfg.MaxAttempts > 0 {
		p.acquireRetry = cfg
	}
	return p
}

// WithDriftMonitor feeds backend call durations into m.
func (p *Processor) WithDriftMonitor(m *observability.LatencyDriftMonitor) *Processor {
	p.drift = m
	return p
}

// Process runs the lifecycle for one delivered envelope. A nil return means
// the message may be acked: the task reached a terminal state or was not
// ours to run. Only infrastructure failures that left the task non-terminal
// return an error, keeping the entry pending for replay after restart.
func (p *Processor) Process(ctx context.Context, msg domain.TaskMessage) error {
	tracer := otel.Tracer("queue.worker")
	ctx, span := tracer.Start(ctx, "ProcessTask")
	defer span.End()
	lg := observability.LoggerFromContext(ctx)

	claimed, err := p.tasks.Claim(ctx, msg.TaskID)
	if err != nil {
		return fmt.Errorf("op=worker.claim task=%s: %w", msg.TaskID, err)
	}
	if !claimed {
		// Duplicate delivery or already terminal. Recompute the batch so an
		// aggregate stuck by an earlier recompute failure still advances.
		lg.Info("task not claimable, skipping")
		p.recomputeOwningBatch(ctx, msg.TaskID)
		return nil
	}
	observability.StartProcessingTask(p.family.ID)
	defer observability.EndProcessingTask(p.family.ID)
	lg.Info("task claimed", slog.String("model", msg.Model))

	slot := domain.SlotFromModel(msg.Model)
	nodeURL, drifted, err := p.acquireNode(ctx, msg.ConversationID, slot, msg.TargetNodeURL)
	if err != nil {
		if errors.Is(err, domain.ErrNoCapacity) {
			return p.fail(ctx, msg, codeNoCapacity, msgNoCapacity)
		}
		return err
	}
	defer p.releaseNode(lg, nodeURL)

	var remoteFiles []string
	if len(msg.FilePaths) > 0 {
		remoteFiles, err = p.backend.RelayFiles(ctx, nodeURL, msg.FilePaths)
		if err != nil {
			lg.Warn("file relay failed",
				slog.String("node", nodeURL),
				slog.Any("error", err))
			return p.fail(ctx, msg, codeUploadRelay, msgUploadFailed)
		}
	}

	messages := p.buildMessages(ctx, msg, drifted)
	req := domain.ChatRequest{
		Model:          msg.Model,
		ConversationID: msg.ConversationID,
		Messages:       messages,
		Files:          remoteFiles,
	}

	callStart := time.Now()
	text, err := p.backend.Chat(ctx, nodeURL, req, p.family.RequestTimeout)
	elapsed := time.Since(callStart)
	observability.ObserveBackendRequest(p.family.ID, elapsed.Seconds())
	if p.drift != nil {
		p.drift.Record(p.family.ID, elapsed.Seconds())
	}
	if err != nil {
		code, userMsg := classifyBackendFailure(err)
		lg.Warn("backend call failed",
			slog.String("node", nodeURL),
			slog.String("code", code),
			slog.Any("error", err))
		return p.fail(ctx, msg, code, userMsg)
	}

	if kw := p.refusalHit(text); kw != "" {
		lg.Warn("refusal detected", slog.String("keyword", kw))
		return p.fail(ctx, msg, codeRefusal, refusalPrefix+text)
	}

	cost := math.Round(elapsed.Seconds()*100) / 100
	return p.succeed(ctx, msg, text, cost)
}

// Recover runs the lifecycle for an entry replayed from the pending list. A
// task left PROCESSING by a crashed worker is reset to PENDING first so the
// idempotent claim can succeed again.
func (p *Processor) Recover(ctx context.Context, msg domain.TaskMessage) error {
	reset, err := p.tasks.ResetZombie(ctx, msg.TaskID)
	if err != nil {
		return fmt.Errorf("op=worker.reset_zombie task=%s: %w", msg.TaskID, err)
	}
	if reset {
		observability.LoggerFromContext(ctx).Info("zombie task reset to pending")
	}
	return p.Process(ctx, msg)
}

// refusalHit returns the first configured refusal keyword found in text.
func (p *Processor) refusalHit(text string) string {
	for _, kw := range p.family.RefusalKeywords {
		if kw != "" && strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

// fail writes the terminal FAILED state and advances the owning batch.
func (p *Processor) fail(ctx context.Context, msg domain.TaskMessage, code, userMsg string) error {
	batchID, err := p.tasks.MarkFailed(ctx, msg.TaskID, userMsg)
	if err != nil {
		return fmt.Errorf("op=worker.mark_failed task=%s: %w", msg.TaskID, err)
	}
	observability.FailTask(p.family.ID, code)
	observability.LoggerFromContext(ctx).Info("task failed",
		slog.String("code", code),
		slog.String("error_msg", textx.TruncateRunes(userMsg, 100)))
	p.recomputeBatch(ctx, batchID)
	return nil
}

// succeed writes the terminal SUCCESS state, refreshes the conversation and
// advances the owning batch.
func (p *Processor) succeed(ctx context.Context, msg domain.TaskMessage, text string, cost float64) error {
	batchID, err := p.tasks.FinishSuccess(ctx, msg.TaskID, text, cost)
	if err != nil {
		return fmt.Errorf("op=worker.finish_success task=%s: %w", msg.TaskID, err)
	}
	observability.CompleteTask(p.family.ID)
	lg := observability.LoggerFromContext(ctx)
	lg.Info("task completed", slog.Float64("cost_seconds", cost))
	if msg.ConversationID != "" {
		if err := p.conversations.Touch(ctx, msg.ConversationID); err != nil {
			lg.Warn("conversation touch failed",
				slog.String("conversation_id", msg.ConversationID),
				slog.Any("error", err))
		}
	}
	p.recomputeBatch(ctx, batchID)
	return nil
}

// recomputeBatch advances the batch aggregate once all children are
// terminal. Failures only warn: the next terminal task or duplicate
// delivery retries it.
func (p *Processor) recomputeBatch(ctx context.Context, batchID string) {
	if batchID == "" {
		return
	}
	if err := p.batches.RecomputeStatus(ctx, batchID); err != nil {
		observability.LoggerFromContext(ctx).Warn("batch recompute failed",
			slog.String("batch_id", batchID),
			slog.Any("error", err))
	}
}

// recomputeOwningBatch looks up a task's batch and recomputes it when the
// task is already terminal.
func (p *Processor) recomputeOwningBatch(ctx context.Context, taskID string) {
	t, err := p.tasks.Get(ctx, taskID)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("task lookup for batch recompute failed",
			slog.Any("error", err))
		return
	}
	if t.Status.Terminal() {
		p.recomputeBatch(ctx, t.BatchID)
	}
}

// releaseNode undoes the CAS reservation. It runs on every exit path and a
// canceled request context must not leak the reservation, so the release
// gets its own short deadline.
func (p *Processor) releaseNode(lg *slog.Logger, nodeURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.nodes.ReleaseSlot(ctx, p.family.ID, nodeURL); err != nil {
		lg.Error("node release failed",
			slog.String("node", nodeURL),
			slog.Any("error", err))
	}
}
