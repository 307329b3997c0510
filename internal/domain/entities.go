package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrNoCapacity       = errors.New("no capacity")
	ErrUploadRelay      = errors.New("upload relay failed")
	ErrBackendHTTP      = errors.New("backend http error")
	ErrBackendTimeout   = errors.New("backend timeout")
	ErrBackendConnect   = errors.New("backend connect timeout")
	ErrBackendNetwork   = errors.New("backend network error")
	ErrRefusal          = errors.New("backend refusal")
	ErrInternal         = errors.New("internal error")
)

// BackendStatusError carries the status code and body snippet of a non-2xx
// backend reply. It unwraps to ErrBackendHTTP.
type BackendStatusError struct {
	Code int
	Body string
}

func (e *BackendStatusError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Body)
}

func (e *BackendStatusError) Unwrap() error { return ErrBackendHTTP }

// TaskStatus values are persisted as integers; renumbering breaks stored rows.
type TaskStatus int

const (
	TaskPending    TaskStatus = 0
	TaskSuccess    TaskStatus = 1
	TaskFailed     TaskStatus = 2
	TaskProcessing TaskStatus = 3
)

// Terminal reports whether s admits no further transition.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// TaskType enumerates task payload kinds
const (
	TaskTypeText       = "TEXT"
	TaskTypeMultimodal = "MULTIMODAL"
	TaskTypeImage      = "IMAGE"
)

type BatchStatus string

const (
	BatchProcessing     BatchStatus = "PROCESSING"
	BatchCompleted      BatchStatus = "COMPLETED"
	BatchPartialFailure BatchStatus = "PARTIAL_FAILURE"
)

// Node statuses; only HEALTHY nodes with a fresh heartbeat are routable.
const (
	NodeHealthy     = "HEALTHY"
	NodeDegraded    = "DEGRADED"
	NodeOffline     = "OFFLINE"
	NodeRateLimited = "RATE_LIMITED"
)

// NodeAliveWindow is how stale a heartbeat may be before the node is
// considered dead for routing purposes.
const NodeAliveWindow = 30 * time.Second

// Chat roles used in reconstructed context messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is a long-lived dialog. NodeSlots maps a stringified slot
// index to the node base URL last bound to that slot; bindings are advisory
// and last-write-wins.
//
//go:generate mockery --name=ConversationRepository --with-expecter --filename=conversation_repository_mock.go
//go:generate mockery --name=BatchRepository --with-expecter --filename=batch_repository_mock.go
//go:generate mockery --name=TaskRepository --with-expecter --filename=task_repository_mock.go
//go:generate mockery --name=NodeRepository --with-expecter --filename=node_repository_mock.go
//go:generate mockery --name=Producer --with-expecter --filename=producer_mock.go
//go:generate mockery --name=BackendClient --with-expecter --filename=backend_client_mock.go

type Conversation struct {
	ID        string
	Title     string
	NodeSlots map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChatBatch struct {
	ID             string
	ConversationID string
	UserPrompt     string
	ModelConfig    string
	Status         BatchStatus
	CreatedAt      time.Time
}

type Task struct {
	ID             string
	BatchID        string
	ConversationID string
	Prompt         string
	ModelName      string
	TaskType       string
	FilePaths      []string
	Status         TaskStatus
	ResponseText   *string
	ErrorMsg       *string
	CostTime       *float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ServiceNode struct {
	URL             string
	Status          string
	LastHeartbeat   time.Time
	CurrentTasks    int
	DispatchedTasks int
}

// Alive reports liveness at instant now: HEALTHY and heartbeat fresher
// than NodeAliveWindow.
func (n ServiceNode) Alive(now time.Time) bool {
	return n.Status == NodeHealthy && n.LastHeartbeat.After(now.Add(-NodeAliveWindow))
}

// TaskMessage is the stream envelope payload exchanged between dispatcher
// and workers. The JSON keys are the wire contract; do not rename.
type TaskMessage struct {
	TaskID         string   `json:"task_id"`
	ConversationID string   `json:"conversation_id"`
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model"`
	FilePaths      []string `json:"file_paths"`
	TargetNodeURL  *string  `json:"target_node_url"`
}

// ChatMessage is one role/content pair sent to a backend node.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body POSTed to {node}/v1/chat/completions.
type ChatRequest struct {
	Model          string        `json:"model"`
	ConversationID string        `json:"conversation_id"`
	Messages       []ChatMessage `json:"messages"`
	Files          []string      `json:"files"`
}

// Repositories (ports)

type ConversationRepository interface {
	// Create inserts a conversation and returns its id (generated if empty).
	Create(ctx Context, c Conversation) (string, error)
	Get(ctx Context, id string) (Conversation, error)
	List(ctx Context, limit int) ([]Conversation, error)
	// BindNodeSlot merges node_slots[slot]=nodeURL into session_metadata,
	// preserving unrelated metadata keys.
	BindNodeSlot(ctx Context, id string, slot int, nodeURL string) error
	// Touch refreshes updated_at; called on task success.
	Touch(ctx Context, id string) error
}

type BatchRepository interface {
	Create(ctx Context, b ChatBatch) (string, error)
	Get(ctx Context, id string) (ChatBatch, error)
	// RecomputeStatus advances the batch to COMPLETED or PARTIAL_FAILURE
	// once every child task is terminal; no-op otherwise.
	RecomputeStatus(ctx Context, id string) error
}

type TaskRepository interface {
	Create(ctx Context, t Task) (string, error)
	Get(ctx Context, id string) (Task, error)
	ListByBatch(ctx Context, batchID string) ([]Task, error)
	// ListByConversation returns tasks under a conversation ordered by
	// created_at ascending, excluding FAILED rows.
	ListByConversation(ctx Context, conversationID string) ([]Task, error)
	// RecentSuccesses returns up to limit SUCCESS tasks with a response,
	// newest first.
	RecentSuccesses(ctx Context, conversationID string, limit int) ([]Task, error)
	// Claim transitions PENDING to PROCESSING; false when another worker
	// owns the task or it is already terminal.
	Claim(ctx Context, id string) (bool, error)
	// ResetZombie transitions PROCESSING back to PENDING during recovery.
	ResetZombie(ctx Context, id string) (bool, error)
	// MarkFailed and FinishSuccess are the only writers of terminal states.
	// Both return the owning batch id, or "" when the task was already
	// terminal and nothing changed.
	MarkFailed(ctx Context, id, errMsg string) (string, error)
	FinishSuccess(ctx Context, id, responseText string, costTime float64) (string, error)
	// SweepStuck fails every PROCESSING task not touched since cutoff and
	// returns the owning batch ids, one per swept task. Covers tasks whose
	// stream entry was lost, e.g. trimmed out of a capped stream.
	SweepStuck(ctx Context, cutoff time.Time, errMsg string) ([]string, error)
}

type NodeRepository interface {
	// AliveIdle returns family nodes that are alive, unreserved and idle
	// (dispatched_tasks=0 AND current_tasks=0).
	AliveIdle(ctx Context, familyID string) ([]ServiceNode, error)
	// LeastLoadedAlive returns up to limit alive family nodes ordered by
	// current_tasks ascending; used for dispatch-time pre-selection.
	LeastLoadedAlive(ctx Context, familyID string, limit int) ([]ServiceNode, error)
	// ClaimSlot performs the CAS reservation: dispatched_tasks 0 -> 1 and
	// current_tasks += 1 in one statement. False when the node is taken.
	ClaimSlot(ctx Context, familyID, nodeURL string) (bool, error)
	// ReleaseSlot undoes ClaimSlot, clamped at zero.
	ReleaseSlot(ctx Context, familyID, nodeURL string) error
	Heartbeat(ctx Context, familyID, nodeURL, status string) error
	Upsert(ctx Context, familyID string, n ServiceNode) error
}

// Producer (port) appends task envelopes to provider streams.

type Producer interface {
	Enqueue(ctx Context, streamKey string, msg TaskMessage) (string, error)
	Ping(ctx Context) error
}

// BackendClient (port) talks to one inference node.

type BackendClient interface {
	// Chat posts an OpenAI-style completion request and returns the
	// extracted message content. Non-2xx and transport failures map onto
	// the Backend* sentinels.
	Chat(ctx Context, nodeBase string, req ChatRequest, timeout time.Duration) (string, error)
	// RelayFiles uploads local files to {node}/upload and returns the
	// remote paths the node assigned.
	RelayFiles(ctx Context, nodeBase string, paths []string) ([]string, error)
}

// TaskProcessor (port) runs the per-message worker lifecycle. A nil return
// means the message may be acked; an error leaves it pending for redelivery.

type TaskProcessor interface {
	Process(ctx Context, msg TaskMessage) error
	// Recover handles a message replayed from the pending-entries list:
	// zombie PROCESSING rows are reset to PENDING before the normal
	// lifecycle runs.
	Recover(ctx Context, msg TaskMessage) error
}

// Context is an alias to allow decoupling from std context in domain
// Adapters and usecases should pass context.Context through

type Context = context.Context
