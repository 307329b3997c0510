package redisstream

import (
	"strings"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

func TestEncodeDecodeMessage(t *testing.T) {
	node := "http://n1:8000"
	msg := domain.TaskMessage{
		TaskID:         "t1",
		ConversationID: "c1",
		Prompt:         "hello",
		Model:          "gemini-2.5-flash (#2)",
		FilePaths:      []string{"/uploads/a.png"},
		TargetNodeURL:  &node,
	}
	values, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload, ok := values[payloadField].(string)
	if !ok || !strings.Contains(payload, `"task_id":"t1"`) {
		t.Fatalf("expected payload JSON with task_id, got %v", values)
	}
	got, err := DecodeMessage(values)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TaskID != msg.TaskID || got.Model != msg.Model {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.TargetNodeURL == nil || *got.TargetNodeURL != node {
		t.Fatalf("expected target node %q, got %v", node, got.TargetNodeURL)
	}
}

func TestDecodeMessage_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]any
	}{
		{"missing payload", map[string]any{"other": "x"}},
		{"non-string payload", map[string]any{payloadField: 42}},
		{"malformed json", map[string]any{payloadField: "{nope"}},
		{"missing task_id", map[string]any{payloadField: `{"prompt":"hi"}`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeMessage(tc.values); err == nil {
				t.Fatalf("expected decode error")
			}
		})
	}
}

func TestParseMessageID(t *testing.T) {
	ts, err := ParseMessageID("1700000000123-0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ts.Equal(time.UnixMilli(1700000000123)) {
		t.Fatalf("expected 1700000000123ms, got %v", ts)
	}
	if _, err := ParseMessageID("junk"); err == nil {
		t.Fatalf("expected error for id without separator")
	}
	if _, err := ParseMessageID("abc-0"); err == nil {
		t.Fatalf("expected error for non-numeric ms part")
	}
}
