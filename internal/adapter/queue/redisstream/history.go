package redisstream

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// DefaultHistoryLimit caps the successful turns replayed on node drift.
const DefaultHistoryLimit = 10

// buildMessages assembles the chat payload for one backend call. Without
// drift a bare prompt is sent and the node's own sticky state carries the
// history. On drift the last successful turns are replayed so the new node
// can rebuild its conversational state.
func (p *Processor) buildMessages(ctx context.Context, msg domain.TaskMessage, drifted bool) []domain.ChatMessage {
	bare := []domain.ChatMessage{{Role: domain.RoleUser, Content: msg.Prompt}}
	if !drifted || msg.ConversationID == "" {
		return bare
	}

	limit := p.historyLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	turns, err := p.tasks.RecentSuccesses(ctx, msg.ConversationID, limit)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("history rebuild failed, sending bare prompt",
			slog.String("conversation_id", msg.ConversationID),
			slog.Any("error", err))
		return bare
	}

	messages := make([]domain.ChatMessage, 0, 2*len(turns)+1)
	// Rows arrive newest first; replay in chronological order.
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Prompt != "" {
			messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: t.Prompt})
		}
		if t.ResponseText != nil && *t.ResponseText != "" {
			messages = append(messages, domain.ChatMessage{Role: domain.RoleAssistant, Content: *t.ResponseText})
		}
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: msg.Prompt})

	observability.ObserveContextTokens(p.tokens.EstimateChat(msg.Model, messages))
	observability.LoggerFromContext(ctx).Info("conversation context rebuilt",
		slog.String("conversation_id", msg.ConversationID),
		slog.Int("turns", len(turns)),
		slog.Int("messages", len(messages)))
	return messages
}
