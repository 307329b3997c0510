package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// TaskRepo persists and loads tasks from PostgreSQL. Status transitions are
// linearized by conditional updates so concurrent workers cannot both claim
// or terminate the same task.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `task_id, batch_id, conversation_id, prompt, model_name, task_type, COALESCE(file_paths,'[]'::jsonb), status, response_text, error_msg, cost_time, created_at, updated_at`

// Create inserts a new task and returns its id (generates one if empty).
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	paths := t.FilePaths
	if paths == nil {
		paths = []string{}
	}
	raw, err := json.Marshal(paths)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO tasks (task_id, batch_id, conversation_id, prompt, model_name, task_type, file_paths, status, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10)`
	if _, err := r.Pool.Exec(ctx, q, id, t.BatchID, t.ConversationID, t.Prompt, t.ModelName, t.TaskType, string(raw), int(t.Status), now, now); err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// ListByBatch returns all tasks of a batch ordered by creation time.
func (r *TaskRepo) ListByBatch(ctx domain.Context, batchID string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByBatch")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE batch_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, batchID)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_by_batch: %w", err)
	}
	return collectTasks(rows, "op=task.list_by_batch")
}

// ListByConversation returns the renderable history of a conversation:
// everything except FAILED tasks, oldest first.
func (r *TaskRepo) ListByConversation(ctx domain.Context, conversationID string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByConversation")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE conversation_id=$1 AND status <> $2 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, conversationID, int(domain.TaskFailed))
	if err != nil {
		return nil, fmt.Errorf("op=task.list_by_conversation: %w", err)
	}
	return collectTasks(rows, "op=task.list_by_conversation")
}

// RecentSuccesses returns up to limit successful tasks with a response,
// newest first; used to rebuild context on node drift.
func (r *TaskRepo) RecentSuccesses(ctx domain.Context, conversationID string, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RecentSuccesses")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE conversation_id=$1 AND status=$2 AND response_text IS NOT NULL ORDER BY created_at DESC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, conversationID, int(domain.TaskSuccess), limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.recent_successes: %w", err)
	}
	return collectTasks(rows, "op=task.recent_successes")
}

// Claim transitions PENDING to PROCESSING. At most one concurrent caller
// observes true for a given task.
func (r *TaskRepo) Claim(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Claim")
	defer span.End()
	q := `UPDATE tasks SET status=$2, updated_at=$3 WHERE task_id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, int(domain.TaskProcessing), time.Now().UTC(), int(domain.TaskPending))
	if err != nil {
		return false, fmt.Errorf("op=task.claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetZombie transitions PROCESSING back to PENDING during startup
// recovery, so a crashed worker's claim can be retaken.
func (r *TaskRepo) ResetZombie(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ResetZombie")
	defer span.End()
	q := `UPDATE tasks SET status=$2, updated_at=$3 WHERE task_id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, int(domain.TaskPending), time.Now().UTC(), int(domain.TaskProcessing))
	if err != nil {
		return false, fmt.Errorf("op=task.reset_zombie: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed writes the FAILED terminal state. Terminal rows are immutable;
// a task already finished returns "" without modification.
func (r *TaskRepo) MarkFailed(ctx domain.Context, id, errMsg string) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkFailed")
	defer span.End()
	q := `UPDATE tasks SET status=$2, error_msg=$3, updated_at=$4 WHERE task_id=$1 AND status IN ($5,$6) RETURNING batch_id`
	row := r.Pool.QueryRow(ctx, q, id, int(domain.TaskFailed), errMsg, time.Now().UTC(), int(domain.TaskPending), int(domain.TaskProcessing))
	var batchID string
	if err := row.Scan(&batchID); err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("op=task.mark_failed: %w", err)
	}
	return batchID, nil
}

// FinishSuccess writes the SUCCESS terminal state with the response text and
// elapsed seconds. Terminal rows are immutable; a task already finished
// returns "" without modification.
func (r *TaskRepo) FinishSuccess(ctx domain.Context, id, responseText string, costTime float64) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FinishSuccess")
	defer span.End()
	q := `UPDATE tasks SET status=$2, response_text=$3, cost_time=$4, updated_at=$5 WHERE task_id=$1 AND status IN ($6,$7) RETURNING batch_id`
	row := r.Pool.QueryRow(ctx, q, id, int(domain.TaskSuccess), responseText, costTime, time.Now().UTC(), int(domain.TaskPending), int(domain.TaskProcessing))
	var batchID string
	if err := row.Scan(&batchID); err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("op=task.finish_success: %w", err)
	}
	return batchID, nil
}

// SweepStuck fails every PROCESSING task untouched since cutoff, returning
// the owning batch id of each swept row so callers can recompute batches.
func (r *TaskRepo) SweepStuck(ctx domain.Context, cutoff time.Time, errMsg string) ([]string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SweepStuck")
	defer span.End()
	q := `UPDATE tasks SET status=$1, error_msg=$2, updated_at=$3 WHERE status=$4 AND updated_at < $5 RETURNING batch_id`
	rows, err := r.Pool.Query(ctx, q, int(domain.TaskFailed), errMsg, time.Now().UTC(), int(domain.TaskProcessing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=task.sweep_stuck: %w", err)
	}
	defer rows.Close()
	var batchIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=task.sweep_stuck: %w", err)
		}
		batchIDs = append(batchIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.sweep_stuck: %w", err)
	}
	return batchIDs, nil
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var rawPaths []byte
	var status int
	if err := row.Scan(&t.ID, &t.BatchID, &t.ConversationID, &t.Prompt, &t.ModelName, &t.TaskType, &rawPaths, &status, &t.ResponseText, &t.ErrorMsg, &t.CostTime, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	if len(rawPaths) > 0 {
		if err := json.Unmarshal(rawPaths, &t.FilePaths); err != nil {
			return domain.Task{}, err
		}
	}
	if len(t.FilePaths) == 0 {
		t.FilePaths = nil
	}
	return t, nil
}

func collectTasks(rows pgx.Rows, op string) ([]domain.Task, error) {
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
