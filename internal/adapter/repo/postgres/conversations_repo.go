// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and row-level atomic updates.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// ConversationRepo persists and loads conversations using a minimal pgx pool.
type ConversationRepo struct{ Pool PgxPool }

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewConversationRepo constructs a ConversationRepo with the given pool.
func NewConversationRepo(p PgxPool) *ConversationRepo { return &ConversationRepo{Pool: p} }

// sessionMetadata is the persisted shape of Conversation.SessionMetadata.
// Unknown keys written by other services survive round-trips because writes
// go through jsonb_set rather than full-document replacement.
type sessionMetadata struct {
	NodeSlots map[string]string `json:"node_slots,omitempty"`
}

// Create inserts a new conversation and returns its id (generates one if empty).
func (r *ConversationRepo) Create(ctx domain.Context, c domain.Conversation) (string, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "conversations"),
	)
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	meta, err := json.Marshal(sessionMetadata{NodeSlots: c.NodeSlots})
	if err != nil {
		return "", fmt.Errorf("op=conversation.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO conversations (conversation_id, title, session_metadata, created_at, updated_at) VALUES ($1,$2,$3::jsonb,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, id, c.Title, string(meta), now, now); err != nil {
		return "", fmt.Errorf("op=conversation.create: %w", err)
	}
	return id, nil
}

// Get loads a conversation by id.
func (r *ConversationRepo) Get(ctx domain.Context, id string) (domain.Conversation, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Get")
	defer span.End()
	q := `SELECT conversation_id, COALESCE(title,''), COALESCE(session_metadata,'{}'::jsonb), created_at, updated_at FROM conversations WHERE conversation_id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	c, err := scanConversation(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", domain.ErrNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", err)
	}
	return c, nil
}

// List returns the most recently updated conversations, descending.
func (r *ConversationRepo) List(ctx domain.Context, limit int) ([]domain.Conversation, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.List")
	defer span.End()
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT conversation_id, COALESCE(title,''), COALESCE(session_metadata,'{}'::jsonb), created_at, updated_at FROM conversations ORDER BY updated_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=conversation.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("op=conversation.list: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=conversation.list: %w", err)
	}
	return out, nil
}

// BindNodeSlot records node_slots[slot]=nodeURL inside session_metadata.
// The statement first materializes the node_slots object so jsonb_set can
// create the slot key, then writes the binding; unrelated metadata keys are
// preserved. Concurrent binds are last-write-wins.
func (r *ConversationRepo) BindNodeSlot(ctx domain.Context, id string, slot int, nodeURL string) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.BindNodeSlot")
	defer span.End()
	q := `UPDATE conversations SET session_metadata = jsonb_set(
		jsonb_set(COALESCE(session_metadata,'{}'::jsonb), '{node_slots}', COALESCE(session_metadata->'node_slots','{}'::jsonb), true),
		$2, to_jsonb($3::text), true)
	WHERE conversation_id=$1`
	path := []string{"node_slots", strconv.Itoa(slot)}
	tag, err := r.Pool.Exec(ctx, q, id, path, nodeURL)
	if err != nil {
		return fmt.Errorf("op=conversation.bind_node_slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=conversation.bind_node_slot: %w", domain.ErrNotFound)
	}
	return nil
}

// Touch refreshes updated_at; called when a child task succeeds.
func (r *ConversationRepo) Touch(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Touch")
	defer span.End()
	q := `UPDATE conversations SET updated_at=$2 WHERE conversation_id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=conversation.touch: %w", err)
	}
	return nil
}

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var c domain.Conversation
	var raw []byte
	if err := row.Scan(&c.ID, &c.Title, &raw, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Conversation{}, err
	}
	var meta sessionMetadata
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return domain.Conversation{}, err
		}
	}
	c.NodeSlots = meta.NodeSlots
	return c, nil
}
