// Package redisstream provides the Redis Streams queue integration.
//
// It carries task envelopes between the dispatcher and the worker fleets.
// Each provider family has one stream and one consumer group; delivery is
// at-least-once with per-consumer pending lists, and messages that cannot
// be decoded land on a shared dead-letter stream.
package redisstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// payloadField is the single stream field holding the JSON envelope.
const payloadField = "payload"

// EncodeMessage serializes a task envelope into stream entry values.
func EncodeMessage(msg domain.TaskMessage) (map[string]any, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("op=queue.encode: %w", err)
	}
	return map[string]any{payloadField: string(b)}, nil
}

// DecodeMessage parses the payload field of a stream entry back into a task
// envelope. Entries without a payload field, with malformed JSON or without
// a task_id are rejected.
func DecodeMessage(values map[string]any) (domain.TaskMessage, error) {
	var msg domain.TaskMessage
	raw, ok := values[payloadField]
	if !ok {
		return msg, fmt.Errorf("op=queue.decode: missing %s field", payloadField)
	}
	s, ok := raw.(string)
	if !ok {
		return msg, fmt.Errorf("op=queue.decode: %s field is not a string", payloadField)
	}
	if err := json.Unmarshal([]byte(s), &msg); err != nil {
		return msg, fmt.Errorf("op=queue.decode: %w", err)
	}
	if msg.TaskID == "" {
		return msg, fmt.Errorf("op=queue.decode: missing task_id")
	}
	return msg, nil
}

// rawPayload returns the payload field as text for dead-letter preservation,
// or an empty string when the entry never had one.
func rawPayload(values map[string]any) string {
	if s, ok := values[payloadField].(string); ok {
		return s
	}
	return ""
}

// ParseMessageID extracts the wall-clock timestamp from a stream entry id of
// the form "<unix-ms>-<seq>".
func ParseMessageID(id string) (time.Time, error) {
	ms, _, found := strings.Cut(id, "-")
	if !found {
		return time.Time{}, fmt.Errorf("op=queue.parse_id: malformed id %q", id)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=queue.parse_id: %w", err)
	}
	return time.UnixMilli(n), nil
}
