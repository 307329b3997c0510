// Package tokencount approximates the token footprint of chat payloads.
//
// Counts feed the context size histogram; they never gate or truncate a
// request, so an approximation is acceptable when the exact vocabulary is
// unavailable.
package tokencount

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// Per-message serialization overhead, following the OpenAI chat format:
// every message carries framing tokens and the reply is primed once.
const (
	tokensPerMessage = 3
	tokensReplyPrime = 3
)

// fallbackEncoding is used for models whose vocabulary tiktoken does not
// ship (gemini, qwen, deepseek and the image backends all land here).
const fallbackEncoding = "cl100k_base"

// Counter counts tokens with a per-model encoding cache. The zero value is
// not usable; construct with NewCounter.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter returns a Counter with an empty encoding cache.
func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// normalizeModelName reduces a stored model name to a cache key: the
// fan-out display suffix "(#k)" and any provider prefix are stripped and
// the result is lower-cased.
func normalizeModelName(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, " (#"); i >= 0 && strings.HasSuffix(m, ")") {
		m = m[:i]
	}
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	return strings.TrimSuffix(m, ":free")
}

func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	name := normalizeModelName(model)

	c.mu.RLock()
	enc, ok := c.encodings[name]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("op=tokencount.encoding model=%s: %w", name, err)
		}
	}
	c.encodings[name] = enc
	return enc, nil
}

// CountTokens returns the token count of text under the encoding chosen for
// model. It fails only when no encoding can be loaded at all.
func (c *Counter) CountTokens(model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// EstimateChat returns the approximate token footprint of a chat payload,
// including per-message framing and reply priming. It never fails: when no
// encoding is available it degrades to a length-based estimate.
func (c *Counter) EstimateChat(model string, msgs []domain.ChatMessage) int {
	if len(msgs) == 0 {
		return 0
	}
	total := tokensReplyPrime
	for _, m := range msgs {
		roleTokens, err := c.CountTokens(model, m.Role)
		if err != nil {
			return lengthEstimate(msgs)
		}
		contentTokens, err := c.CountTokens(model, m.Content)
		if err != nil {
			return lengthEstimate(msgs)
		}
		total += tokensPerMessage + roleTokens + contentTokens
	}
	return total
}

// lengthEstimate is the rough fallback of four bytes per token plus the
// per-message framing overhead.
func lengthEstimate(msgs []domain.ChatMessage) int {
	total := tokensReplyPrime
	for _, m := range msgs {
		total += tokensPerMessage + len(m.Content)/4
	}
	return total
}

// DefaultCounter is a process-wide shared counter.
var DefaultCounter = NewCounter()

// EstimateChat estimates msgs against the shared DefaultCounter.
func EstimateChat(model string, msgs []domain.ChatMessage) int {
	return DefaultCounter.EstimateChat(model, msgs)
}
