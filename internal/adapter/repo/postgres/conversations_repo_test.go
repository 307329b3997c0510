package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

func TestConversationRepo_Create(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewConversationRepo(pool)
	ctx := context.Background()

	// Create with provided id
	id, err := repo.Create(ctx, domain.Conversation{ID: "conv-1", Title: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", id)

	// Create without id generates one
	id, err = repo.Create(ctx, domain.Conversation{Title: "untitled"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Database error
	pool.execErr = assert.AnError
	_, err = repo.Create(ctx, domain.Conversation{ID: "conv-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=conversation.create")
}

func TestConversationRepo_Get(t *testing.T) {
	fixed := time.Now().UTC()
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "conv-1"
		*(dest[1].(*string)) = "greetings"
		*(dest[2].(*[]byte)) = []byte(`{"node_slots":{"0":"http://n1:8000"},"other":"kept"}`)
		*(dest[3].(*time.Time)) = fixed
		*(dest[4].(*time.Time)) = fixed
		return nil
	}}}
	repo := postgres.NewConversationRepo(pool)

	c, err := repo.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", c.ID)
	assert.Equal(t, "greetings", c.Title)
	assert.Equal(t, "http://n1:8000", c.NodeSlots["0"])
}

func TestConversationRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewConversationRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestConversationRepo_List(t *testing.T) {
	fixed := time.Now().UTC()
	mkScan := func(id string) func(dest ...any) error {
		return func(dest ...any) error {
			*(dest[0].(*string)) = id
			*(dest[1].(*string)) = ""
			*(dest[2].(*[]byte)) = []byte(`{}`)
			*(dest[3].(*time.Time)) = fixed
			*(dest[4].(*time.Time)) = fixed
			return nil
		}
	}
	pool := &poolStub{rows: &rowsStub{scans: []func(dest ...any) error{mkScan("c1"), mkScan("c2")}}}
	repo := postgres.NewConversationRepo(pool)

	out, err := repo.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "c1", out[0].ID)
	// Zero limit falls back to the default page size
	require.Len(t, pool.gotArgs, 1)
	assert.Equal(t, 20, pool.gotArgs[0][0])
}

func TestConversationRepo_BindNodeSlot(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewConversationRepo(pool)

	err := repo.BindNodeSlot(context.Background(), "conv-1", 2, "http://n3:8000")
	require.NoError(t, err)
	require.Len(t, pool.gotSQL, 1)
	assert.True(t, strings.Contains(pool.gotSQL[0], "jsonb_set"))
	assert.Equal(t, []string{"node_slots", "2"}, pool.gotArgs[0][1])
	assert.Equal(t, "http://n3:8000", pool.gotArgs[0][2])
}

func TestConversationRepo_BindNodeSlot_Missing(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewConversationRepo(pool)

	err := repo.BindNodeSlot(context.Background(), "gone", 0, "http://n1:8000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestConversationRepo_Touch_Error(t *testing.T) {
	pool := &poolStub{execErr: assert.AnError}
	repo := postgres.NewConversationRepo(pool)

	err := repo.Touch(context.Background(), "conv-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=conversation.touch")
}
