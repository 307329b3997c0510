package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

type stubConversations struct {
	conv     domain.Conversation
	getErr   error
	binds    []string
	bindErr  error
	touched  []string
	touchErr error
}

func (s *stubConversations) Create(_ context.Context, c domain.Conversation) (string, error) {
	return c.ID, nil
}
func (s *stubConversations) Get(_ context.Context, _ string) (domain.Conversation, error) {
	return s.conv, s.getErr
}
func (s *stubConversations) List(_ context.Context, _ int) ([]domain.Conversation, error) {
	return nil, nil
}
func (s *stubConversations) BindNodeSlot(_ context.Context, _ string, _ int, nodeURL string) error {
	s.binds = append(s.binds, nodeURL)
	return s.bindErr
}
func (s *stubConversations) Touch(_ context.Context, id string) error {
	s.touched = append(s.touched, id)
	return s.touchErr
}

type stubBatches struct {
	recomputed   []string
	recomputeErr error
}

func (s *stubBatches) Create(_ context.Context, b domain.ChatBatch) (string, error) { return b.ID, nil }
func (s *stubBatches) Get(_ context.Context, _ string) (domain.ChatBatch, error) {
	return domain.ChatBatch{}, domain.ErrNotFound
}
func (s *stubBatches) RecomputeStatus(_ context.Context, id string) error {
	s.recomputed = append(s.recomputed, id)
	return s.recomputeErr
}

type stubTasks struct {
	claimOK   bool
	claimErr  error
	claimed   []string
	resetOK   bool
	resetErr  error
	reset     []string
	recent    []domain.Task
	recentErr error
	getTask   domain.Task
	getErr    error

	failedMsgs map[string]string
	failBatch  string
	failErr    error
	succText   map[string]string
	succCost   map[string]float64
	succBatch  string
	succErr    error
}

func (s *stubTasks) Create(_ context.Context, t domain.Task) (string, error) { return t.ID, nil }
func (s *stubTasks) Get(_ context.Context, _ string) (domain.Task, error)    { return s.getTask, s.getErr }
func (s *stubTasks) ListByBatch(_ context.Context, _ string) ([]domain.Task, error) {
	return nil, nil
}
func (s *stubTasks) ListByConversation(_ context.Context, _ string) ([]domain.Task, error) {
	return nil, nil
}
func (s *stubTasks) RecentSuccesses(_ context.Context, _ string, _ int) ([]domain.Task, error) {
	return s.recent, s.recentErr
}
func (s *stubTasks) Claim(_ context.Context, id string) (bool, error) {
	s.claimed = append(s.claimed, id)
	return s.claimOK, s.claimErr
}
func (s *stubTasks) ResetZombie(_ context.Context, id string) (bool, error) {
	s.reset = append(s.reset, id)
	return s.resetOK, s.resetErr
}
func (s *stubTasks) MarkFailed(_ context.Context, id, errMsg string) (string, error) {
	if s.failedMsgs == nil {
		s.failedMsgs = map[string]string{}
	}
	s.failedMsgs[id] = errMsg
	return s.failBatch, s.failErr
}
func (s *stubTasks) FinishSuccess(_ context.Context, id, responseText string, costTime float64) (string, error) {
	if s.succText == nil {
		s.succText = map[string]string{}
		s.succCost = map[string]float64{}
	}
	s.succText[id] = responseText
	s.succCost[id] = costTime
	return s.succBatch, s.succErr
}
func (s *stubTasks) SweepStuck(_ context.Context, _ time.Time, _ string) ([]string, error) {
	return nil, nil
}

type stubNodes struct {
	alive      []domain.ServiceNode
	aliveErr   error
	claimOKs   []bool
	claimErr   error
	claimCalls []string
	released   []string
}

func (s *stubNodes) AliveIdle(_ context.Context, _ string) ([]domain.ServiceNode, error) {
	return s.alive, s.aliveErr
}
func (s *stubNodes) LeastLoadedAlive(_ context.Context, _ string, _ int) ([]domain.ServiceNode, error) {
	return s.alive, s.aliveErr
}
func (s *stubNodes) ClaimSlot(_ context.Context, _, nodeURL string) (bool, error) {
	s.claimCalls = append(s.claimCalls, nodeURL)
	if s.claimErr != nil {
		return false, s.claimErr
	}
	if len(s.claimOKs) == 0 {
		return true, nil
	}
	ok := s.claimOKs[0]
	s.claimOKs = s.claimOKs[1:]
	return ok, nil
}
func (s *stubNodes) ReleaseSlot(_ context.Context, _, nodeURL string) error {
	s.released = append(s.released, nodeURL)
	return nil
}
func (s *stubNodes) Heartbeat(_ context.Context, _, _, _ string) error        { return nil }
func (s *stubNodes) Upsert(_ context.Context, _ string, _ domain.ServiceNode) error { return nil }

type stubBackend struct {
	chatText   string
	chatErr    error
	chatReqs   []domain.ChatRequest
	chatNodes  []string
	relayOut   []string
	relayErr   error
	relayPaths [][]string
}

func (s *stubBackend) Chat(_ context.Context, nodeBase string, req domain.ChatRequest, _ time.Duration) (string, error) {
	s.chatNodes = append(s.chatNodes, nodeBase)
	s.chatReqs = append(s.chatReqs, req)
	return s.chatText, s.chatErr
}
func (s *stubBackend) RelayFiles(_ context.Context, _ string, paths []string) ([]string, error) {
	s.relayPaths = append(s.relayPaths, paths)
	return s.relayOut, s.relayErr
}

type procFixture struct {
	conversations *stubConversations
	batches       *stubBatches
	tasks         *stubTasks
	nodes         *stubNodes
	backend       *stubBackend
	proc          *Processor
}

func aliveNode(url string) domain.ServiceNode {
	return domain.ServiceNode{URL: url, Status: domain.NodeHealthy, LastHeartbeat: time.Now()}
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()
	f := &procFixture{
		conversations: &stubConversations{conv: domain.Conversation{ID: "c1"}},
		batches:       &stubBatches{},
		tasks:         &stubTasks{claimOK: true, succBatch: "b1", failBatch: "b1"},
		nodes:         &stubNodes{alive: []domain.ServiceNode{aliveNode("http://n1:8000")}},
		backend:       &stubBackend{chatText: "hello back"},
	}
	family := domain.DefaultFamilies()[0] // gemini, carries refusal keywords
	f.proc = NewProcessor(f.conversations, f.batches, f.tasks, f.nodes, f.backend, family).
		WithAcquireRetry(domain.AcquireRetryConfig{MaxAttempts: 3, MinJitter: time.Millisecond, MaxJitter: 2 * time.Millisecond})
	return f
}

func taskMsg() domain.TaskMessage {
	return domain.TaskMessage{
		TaskID:         "t1",
		ConversationID: "c1",
		Prompt:         "hi there",
		Model:          "gemini-2.5-flash",
	}
}

func successTask(prompt, response string) domain.Task {
	return domain.Task{Prompt: prompt, Status: domain.TaskSuccess, ResponseText: &response}
}

func TestProcess_SuccessStickyNode(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	// Slot 0 already bound to the one alive node: no drift, bare prompt.
	f.conversations.conv.NodeSlots = map[string]string{"0": "http://n1:8000"}

	err := f.proc.Process(context.Background(), taskMsg())
	require.NoError(t, err)

	assert.Equal(t, []string{"t1"}, f.tasks.claimed)
	assert.Equal(t, "hello back", f.tasks.succText["t1"])
	assert.Equal(t, []string{"c1"}, f.conversations.touched)
	assert.Equal(t, []string{"b1"}, f.batches.recomputed)
	assert.Equal(t, []string{"http://n1:8000"}, f.nodes.released)
	assert.Empty(t, f.conversations.binds, "sticky hit must not rebind")

	require.Len(t, f.backend.chatReqs, 1)
	req := f.backend.chatReqs[0]
	assert.Equal(t, "gemini-2.5-flash", req.Model)
	assert.Equal(t, []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi there"}}, req.Messages)
}

func TestProcess_SkipsUnclaimableAndRecomputesBatch(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.tasks.claimOK = false
	f.tasks.getTask = domain.Task{ID: "t1", BatchID: "b9", Status: domain.TaskSuccess}

	err := f.proc.Process(context.Background(), taskMsg())
	require.NoError(t, err)

	assert.Empty(t, f.nodes.claimCalls, "unclaimable task must not touch nodes")
	assert.Empty(t, f.backend.chatReqs)
	assert.Equal(t, []string{"b9"}, f.batches.recomputed)
}

func TestProcess_NoCapacity(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.nodes.alive = nil

	err := f.proc.Process(context.Background(), taskMsg())
	require.NoError(t, err)

	assert.Equal(t, "系统繁忙：无可用节点或资源竞争超时", f.tasks.failedMsgs["t1"])
	assert.Empty(t, f.nodes.released, "no reservation to release")
	assert.Equal(t, []string{"b1"}, f.batches.recomputed)
}

func TestProcess_ContentionRetriesThenWins(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.nodes.claimOKs = []bool{false, true}

	err := f.proc.Process(context.Background(), taskMsg())
	require.NoError(t, err)

	assert.Len(t, f.nodes.claimCalls, 2)
	assert.Equal(t, "hello back", f.tasks.succText["t1"])
}

func TestProcess_NodeDriftRebuildsHistory(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	// Previous binding points at a dead node; the only alive node differs.
	f.conversations.conv.NodeSlots = map[string]string{"0": "http://dead:8000"}
	// Newest first, as the repository returns them.
	f.tasks.recent = []domain.Task{
		successTask("second question", "second answer"),
		successTask("first question", "first answer"),
	}

	err := f.proc.Process(context.Background(), taskMsg())
	require.NoError(t, err)

	assert.Equal(t, []string{"http://n1:8000"}, f.conversations.binds, "drift must rebind the slot")
	require.Len(t, f.backend.chatReqs, 1)
	assert.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "first question"},
		{Role: domain.RoleAssistant, Content: "first answer"},
		{Role: domain.RoleUser, Content: "second question"},
		{Role: domain.RoleAssistant, Content: "second answer"},
		{Role: domain.RoleUser, Content: "hi there"},
	}, f.backend.chatReqs[0].Messages)
}

func TestProcess_PrefersPreboundTarget(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.nodes.alive = []domain.ServiceNode{aliveNode("http://a:8000"), aliveNode("http://b:8000")}
	msg := taskMsg()
	target := "http://b:8000"
	msg.TargetNodeURL = &target

	err := f.proc.Process(context.Background(), msg)
	require.NoError(t, err)

	require.NotEmpty(t, f.nodes.claimCalls)
	assert.Equal(t, "http://b:8000", f.nodes.claimCalls[0])
	assert.Equal(t, []string{"http://b:8000"}, f.conversations.binds, "first bind counts as drift")
}

func TestProcess_UploadRelayFailure(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.backend.relayErr = domain.ErrUploadRelay
	msg := taskMsg()
	msg.FilePaths = []string{"/tmp/a.png"}

	err := f.proc.Process(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, "文件上传失败，无法处理请求", f.tasks.failedMsgs["t1"])
	assert.Empty(t, f.backend.chatReqs, "relay failure must skip the chat call")
	assert.Equal(t, []string{"http://n1:8000"}, f.nodes.released)
}

func TestProcess_RelayedFilesForwarded(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.backend.relayOut = []string{"/remote/x.png"}
	msg := taskMsg()
	msg.FilePaths = []string{"/tmp/x.png"}

	err := f.proc.Process(context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, f.backend.relayPaths, 1)
	assert.Equal(t, []string{"/tmp/x.png"}, f.backend.relayPaths[0])
	require.Len(t, f.backend.chatReqs, 1)
	assert.Equal(t, []string{"/remote/x.png"}, f.backend.chatReqs[0].Files)
}

func TestProcess_BackendStatusError(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.backend.chatErr = &domain.BackendStatusError{Code: 502, Body: "bad gateway"}

	err := f.proc.Process(context.Background(), taskMsg())
	require.NoError(t, err)

	assert.Equal(t, "API Error 502: bad gateway", f.tasks.failedMsgs["t1"])
	assert.Equal(t, []string{"http://n1:8000"}, f.nodes.released, "release runs on failure paths too")
}

func TestProcess_BackendTimeout(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.backend.chatErr = domain.ErrBackendTimeout

	err := f.proc.Process(context.Background(), taskMsg())
	require.NoError(t, err)

	assert.Equal(t, "AI 生成超时 (Timeout)", f.tasks.failedMsgs["t1"])
}

func TestProcess_RefusalDetected(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.backend.chatText = "很抱歉，无法创建图片。"

	err := f.proc.Process(context.Background(), taskMsg())
	require.NoError(t, err)

	assert.Equal(t, "生成失败: 很抱歉，无法创建图片。", f.tasks.failedMsgs["t1"])
	assert.Empty(t, f.tasks.succText)
}

func TestProcess_ClaimInfraErrorLeavesPending(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.tasks.claimErr = assert.AnError

	err := f.proc.Process(context.Background(), taskMsg())
	require.Error(t, err)
	assert.Empty(t, f.tasks.failedMsgs, "infra failure must not write a terminal state")
}

func TestProcess_TerminalWriteErrorLeavesPending(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.nodes.alive = nil
	f.tasks.failErr = assert.AnError

	err := f.proc.Process(context.Background(), taskMsg())
	require.Error(t, err)
}

func TestRecover_ResetsZombieThenProcesses(t *testing.T) {
	t.Parallel()
	f := newProcFixture(t)
	f.tasks.resetOK = true

	err := f.proc.Recover(context.Background(), taskMsg())
	require.NoError(t, err)

	assert.Equal(t, []string{"t1"}, f.tasks.reset)
	assert.Equal(t, []string{"t1"}, f.tasks.claimed)
	assert.Equal(t, "hello back", f.tasks.succText["t1"])
}
