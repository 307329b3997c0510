package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// StuckTaskSweeper fails PROCESSING tasks that stopped making progress.
// Pending-entry recovery replays work a crashed worker left unacked; the
// sweeper covers the case where the stream entry itself is gone, for
// example trimmed out of a capped stream, leaving the row PROCESSING
// forever.
type StuckTaskSweeper struct {
	tasks            domain.TaskRepository
	batches          domain.BatchRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

func NewStuckTaskSweeper(tasks domain.TaskRepository, batches domain.BatchRepository, maxProcessingAge, interval time.Duration) *StuckTaskSweeper {
	if tasks == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 3 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckTaskSweeper{
		tasks:            tasks,
		batches:          batches,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

func (s *StuckTaskSweeper) Run(ctx context.Context) {
	if s == nil || s.tasks == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck task sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckTaskSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("tasks.sweeper")
	ctx, span := tracer.Start(ctx, "StuckTaskSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	span.SetAttributes(
		attribute.Float64("tasks.max_processing_age_seconds", s.maxProcessingAge.Seconds()),
	)

	msg := fmt.Sprintf("系统内部处理错误 (processing exceeded %v)", s.maxProcessingAge)
	batchIDs, err := s.tasks.SweepStuck(ctx, cutoff, msg)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck task sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("tasks.swept", len(batchIDs)))
	if len(batchIDs) == 0 {
		return
	}
	slog.Warn("stuck tasks failed by sweeper",
		slog.Int("count", len(batchIDs)),
		slog.Duration("max_age", s.maxProcessingAge))

	if s.batches == nil {
		return
	}
	seen := make(map[string]struct{}, len(batchIDs))
	for _, id := range batchIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if err := s.batches.RecomputeStatus(ctx, id); err != nil {
			slog.Warn("batch recompute after sweep failed", slog.String("batch_id", id), slog.Any("error", err))
		}
	}
}
