package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// BatchRepo persists and loads chat batches from PostgreSQL.
type BatchRepo struct{ Pool PgxPool }

// NewBatchRepo constructs a BatchRepo with the given pool.
func NewBatchRepo(p PgxPool) *BatchRepo { return &BatchRepo{Pool: p} }

// Create inserts a new batch and returns its id (generates one if empty).
func (r *BatchRepo) Create(ctx domain.Context, b domain.ChatBatch) (string, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Create")
	defer span.End()
	id := b.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := b.Status
	if status == "" {
		status = domain.BatchProcessing
	}
	q := `INSERT INTO chat_batches (batch_id, conversation_id, user_prompt, model_config, status, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, id, b.ConversationID, b.UserPrompt, b.ModelConfig, status, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=batch.create: %w", err)
	}
	return id, nil
}

// Get loads a batch by id.
func (r *BatchRepo) Get(ctx domain.Context, id string) (domain.ChatBatch, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Get")
	defer span.End()
	q := `SELECT batch_id, conversation_id, user_prompt, COALESCE(model_config,''), status, created_at FROM chat_batches WHERE batch_id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var b domain.ChatBatch
	if err := row.Scan(&b.ID, &b.ConversationID, &b.UserPrompt, &b.ModelConfig, &b.Status, &b.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.ChatBatch{}, fmt.Errorf("op=batch.get: %w", domain.ErrNotFound)
		}
		return domain.ChatBatch{}, fmt.Errorf("op=batch.get: %w", err)
	}
	return b, nil
}

// RecomputeStatus advances a PROCESSING batch to COMPLETED or
// PARTIAL_FAILURE once no child task remains non-terminal. The whole check
// and write is one statement so the last finishing worker wins cleanly.
func (r *BatchRepo) RecomputeStatus(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.RecomputeStatus")
	defer span.End()
	q := `UPDATE chat_batches b SET status = CASE
		WHEN EXISTS (SELECT 1 FROM tasks t WHERE t.batch_id = b.batch_id AND t.status = $2) THEN $3
		ELSE $4
	END
	WHERE b.batch_id = $1
	AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.batch_id = b.batch_id AND t.status IN ($5, $6))`
	_, err := r.Pool.Exec(ctx, q, id,
		int(domain.TaskFailed), string(domain.BatchPartialFailure), string(domain.BatchCompleted),
		int(domain.TaskPending), int(domain.TaskProcessing))
	if err != nil {
		return fmt.Errorf("op=batch.recompute_status: %w", err)
	}
	return nil
}
