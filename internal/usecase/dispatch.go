// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-chat-orchestrator/pkg/textx"
)

// Request modes accepted by the submit endpoint.
const (
	ModeText  = "text"
	ModeImage = "image"
)

const (
	titleRuneLimit    = 20
	preselectPoolSize = 10
)

// DispatchService turns one user request into a batch of tasks: it resolves
// the conversation, fans the model selector out into per-slot tasks and
// enqueues one stream entry per task.
type DispatchService struct {
	Conversations domain.ConversationRepository
	Batches       domain.BatchRepository
	Tasks         domain.TaskRepository
	Nodes         domain.NodeRepository
	Queue         domain.Producer
	Registry      domain.FamilyRegistry
}

// NewDispatchService constructs a DispatchService with its dependencies.
func NewDispatchService(c domain.ConversationRepository, b domain.BatchRepository, t domain.TaskRepository, n domain.NodeRepository, q domain.Producer, reg domain.FamilyRegistry) DispatchService {
	return DispatchService{Conversations: c, Batches: b, Tasks: t, Nodes: n, Queue: q, Registry: reg}
}

// DispatchInput is the parsed submit request. FilePaths are the staged
// upload locations on local disk, in upload order.
type DispatchInput struct {
	Prompt            string
	ModelConfig       string
	ConversationID    string
	Mode              string
	GeminiConcurrency int
	FilePaths         []string
}

// DispatchResult reports what a submit created.
type DispatchResult struct {
	BatchID        string
	ConversationID string
	TaskIDs        []string
}

// Dispatch validates the request, resolves or creates the conversation,
// creates the batch and its child tasks, and enqueues one stream entry per
// task. A slot whose enqueue fails is marked FAILED and the remaining slots
// continue; only conversation or batch persistence errors abort the request.
func (s DispatchService) Dispatch(ctx domain.Context, in DispatchInput) (DispatchResult, error) {
	prompt := textx.SanitizeText(in.Prompt)
	if prompt == "" {
		return DispatchResult{}, fmt.Errorf("%w: prompt required", domain.ErrInvalidArgument)
	}

	convID, err := s.resolveConversation(ctx, in.ConversationID, prompt)
	if err != nil {
		return DispatchResult{}, err
	}

	batchID, err := s.Batches.Create(ctx, domain.ChatBatch{
		ConversationID: convID,
		UserPrompt:     prompt,
		ModelConfig:    in.ModelConfig,
		Status:         domain.BatchProcessing,
	})
	if err != nil {
		return DispatchResult{}, err
	}

	workerPrompt := prompt
	if in.Mode == ModeImage {
		workerPrompt = domain.ImagePromptPreamble + prompt
	}
	taskType := domain.TaskTypeText
	switch {
	case in.Mode == ModeImage:
		taskType = domain.TaskTypeImage
	case len(in.FilePaths) > 0:
		taskType = domain.TaskTypeMultimodal
	}

	var taskIDs []string
	for _, model := range domain.NormalizeModels(in.ModelConfig, domain.DefaultModel) {
		fam := s.familyFor(model)
		concurrency := 1
		preselectFamily := ""
		if fam.MaxConcurrency > 1 {
			concurrency = fam.ClampConcurrency(in.GeminiConcurrency)
			preselectFamily = fam.ID
		}
		targets := s.preselectNodes(ctx, preselectFamily, concurrency)
		streamKey := fam.StreamKey

		for slot := 0; slot < concurrency; slot++ {
			display := domain.DisplayModelName(model, slot, concurrency)
			taskID, err := s.Tasks.Create(ctx, domain.Task{
				BatchID:        batchID,
				ConversationID: convID,
				Prompt:         prompt,
				ModelName:      display,
				TaskType:       taskType,
				FilePaths:      in.FilePaths,
				Status:         domain.TaskPending,
			})
			if err != nil {
				slog.Error("task insert failed, skipping slot",
					slog.String("batch_id", batchID), slog.String("model", display), slog.Any("error", err))
				continue
			}
			taskIDs = append(taskIDs, taskID)

			msg := domain.TaskMessage{
				TaskID:         taskID,
				ConversationID: convID,
				Prompt:         workerPrompt,
				Model:          display,
				FilePaths:      in.FilePaths,
				TargetNodeURL:  targets[slot],
			}
			if _, err := s.Queue.Enqueue(ctx, streamKey, msg); err != nil {
				slog.Error("enqueue failed, failing task",
					slog.String("task_id", taskID), slog.String("stream", streamKey), slog.Any("error", err))
				if _, mfErr := s.Tasks.MarkFailed(ctx, taskID, fmt.Sprintf("MQ Error: %v", err)); mfErr != nil {
					slog.Error("could not mark task failed after enqueue error",
						slog.String("task_id", taskID), slog.Any("error", mfErr))
				}
				if rErr := s.Batches.RecomputeStatus(ctx, batchID); rErr != nil {
					slog.Warn("batch recompute failed",
						slog.String("batch_id", batchID), slog.Any("error", rErr))
				}
				continue
			}
		}
	}

	slog.Info("batch dispatched",
		slog.String("batch_id", batchID),
		slog.String("conversation_id", convID),
		slog.Int("tasks", len(taskIDs)))
	return DispatchResult{BatchID: batchID, ConversationID: convID, TaskIDs: taskIDs}, nil
}

// resolveConversation reuses an existing conversation or creates one. A
// provided id that is not found is honored as the id of the new row, so
// clients may generate conversation ids themselves.
func (s DispatchService) resolveConversation(ctx domain.Context, id, prompt string) (string, error) {
	if id != "" {
		conv, err := s.Conversations.Get(ctx, id)
		switch {
		case err == nil:
			return conv.ID, nil
		case !errors.Is(err, domain.ErrNotFound):
			return "", err
		}
	}
	return s.Conversations.Create(ctx, domain.Conversation{ID: id, Title: deriveTitle(prompt)})
}

// preselectNodes picks concurrency candidate node URLs from the family's
// least-loaded alive members. With enough distinct nodes the sample is
// without replacement, otherwise slots may repeat. A nil entry means the
// worker routes itself.
func (s DispatchService) preselectNodes(ctx domain.Context, familyID string, concurrency int) []*string {
	targets := make([]*string, concurrency)
	if familyID == "" {
		return targets
	}
	nodes, err := s.Nodes.LeastLoadedAlive(ctx, familyID, preselectPoolSize)
	if err != nil {
		slog.Warn("node pre-selection failed, workers will self-route",
			slog.String("family", familyID), slog.Any("error", err))
		return targets
	}
	if len(nodes) == 0 {
		return targets
	}
	if len(nodes) >= concurrency {
		order := rand.Perm(len(nodes)) //nolint:gosec // Weak random is sufficient for load spreading.
		for i := 0; i < concurrency; i++ {
			url := nodes[order[i]].URL
			targets[i] = &url
		}
		return targets
	}
	for i := range targets {
		url := nodes[rand.Intn(len(nodes))].URL //nolint:gosec // Weak random is sufficient for load spreading.
		targets[i] = &url
	}
	return targets
}

// familyFor resolves a model identifier to its provider family record.
func (s DispatchService) familyFor(model string) domain.ProviderFamily {
	fam, ok := s.Registry.Get(domain.ResolveFamily(model))
	if !ok {
		// Custom registries may omit a family; the default covers all ids.
		fam, _ = s.Registry.Get(domain.FamilyGemini)
	}
	return fam
}

func deriveTitle(prompt string) string {
	if len([]rune(prompt)) <= titleRuneLimit {
		return prompt
	}
	return textx.TruncateRunes(prompt, titleRuneLimit) + "..."
}
