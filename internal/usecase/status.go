package usecase

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

const (
	defaultConversationLimit = 20
	maxConversationLimit     = 100
)

// untitledConversation is shown when a conversation has no title yet.
const untitledConversation = "新对话"

// thinkingPlaceholder is the assistant content for tasks still in flight.
const thinkingPlaceholder = "thinking..."

// StatusService provides the read side: task and batch lookups, rendered
// conversation history and the recent-conversation list.
type StatusService struct {
	Conversations domain.ConversationRepository
	Batches       domain.BatchRepository
	Tasks         domain.TaskRepository
}

// NewStatusService constructs a StatusService with the given repositories.
func NewStatusService(c domain.ConversationRepository, b domain.BatchRepository, t domain.TaskRepository) StatusService {
	return StatusService{Conversations: c, Batches: b, Tasks: t}
}

// BatchView is a batch together with all of its child tasks.
type BatchView struct {
	Batch   domain.ChatBatch
	Results []domain.Task
}

// ConversationSummary is one row of the recent-conversation list.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Modified       time.Time `json:"modified"`
}

// Task returns a single task row.
func (s StatusService) Task(ctx domain.Context, id string) (domain.Task, error) {
	return s.Tasks.Get(ctx, id)
}

// Batch returns the batch row and every task created under it.
func (s StatusService) Batch(ctx domain.Context, id string) (BatchView, error) {
	b, err := s.Batches.Get(ctx, id)
	if err != nil {
		return BatchView{}, err
	}
	tasks, err := s.Tasks.ListByBatch(ctx, id)
	if err != nil {
		return BatchView{}, err
	}
	return BatchView{Batch: b, Results: tasks}, nil
}

// History renders a conversation as the flat message list the chat frontend
// consumes. Every non-failed task contributes its user turn; finished tasks
// add the assistant reply and in-flight ones a loading placeholder. File
// attachments are rendered as absolute URLs under baseURL.
func (s StatusService) History(ctx domain.Context, conversationID, baseURL string) ([]map[string]any, error) {
	tasks, err := s.Tasks.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(baseURL, "/")
	messages := make([]map[string]any, 0, 2*len(tasks))
	for _, t := range tasks {
		fileURLs := make([]string, 0, len(t.FilePaths))
		for _, p := range t.FilePaths {
			fileURLs = append(fileURLs, base+"/files/"+filepath.Base(p))
		}
		messages = append(messages, map[string]any{
			"role":    domain.RoleUser,
			"content": t.Prompt,
			"model":   t.ModelName,
			"files":   fileURLs,
		})
		switch {
		case t.Status == domain.TaskSuccess && t.ResponseText != nil && *t.ResponseText != "":
			messages = append(messages, map[string]any{
				"role":    domain.RoleAssistant,
				"content": *t.ResponseText,
				"model":   t.ModelName,
			})
		case t.Status == domain.TaskPending || t.Status == domain.TaskProcessing:
			messages = append(messages, map[string]any{
				"role":       domain.RoleAssistant,
				"content":    thinkingPlaceholder,
				"model":      t.ModelName,
				"is_loading": true,
			})
		}
	}
	return messages, nil
}

// RecentConversations lists conversations newest first. limit falls back to
// 20 and is capped at 100; empty titles render as the default label.
func (s StatusService) RecentConversations(ctx domain.Context, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	if limit > maxConversationLimit {
		limit = maxConversationLimit
	}
	convs, err := s.Conversations.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = untitledConversation
		}
		out = append(out, ConversationSummary{ConversationID: c.ID, Title: title, Modified: c.UpdatedAt})
	}
	return out, nil
}
