package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

func TestNormalizeModelName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected string
	}{
		{"gemini-2.5-flash", "gemini-2.5-flash"},
		{"Gemini-2.5-Flash", "gemini-2.5-flash"},
		{"gemini-2.5-flash (#2)", "gemini-2.5-flash"},
		{"deepseek-r1 (#3)", "deepseek-r1"},
		{"google/gemini-2.5-flash", "gemini-2.5-flash"},
		{"deepseek/deepseek-chat:free", "deepseek-chat"},
		{"  qwen-max  ", "qwen-max"},
		{"千问", "千问"},
		{"sd-xl", "sd-xl"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeModelName(tt.input))
		})
	}
}

func TestCountTokensEmptyText(t *testing.T) {
	t.Parallel()

	counter := NewCounter()

	count, err := counter.CountTokens("gemini-2.5-flash", "")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestEstimateChat(t *testing.T) {
	t.Parallel()

	counter := NewCounter()

	short := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "你好"},
	}
	longer := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "介绍一下杭州的历史"},
		{Role: domain.RoleAssistant, Content: "杭州是浙江省省会，有两千多年建城史，南宋时曾为都城。"},
		{Role: domain.RoleUser, Content: "再讲讲西湖"},
	}

	shortCount := counter.EstimateChat("gemini-2.5-flash", short)
	longerCount := counter.EstimateChat("gemini-2.5-flash", longer)

	assert.Greater(t, shortCount, 0, "estimate should include message overhead")
	assert.Greater(t, longerCount, shortCount, "more messages should estimate higher")
}

func TestEstimateChatEmpty(t *testing.T) {
	t.Parallel()

	counter := NewCounter()

	assert.Equal(t, 0, counter.EstimateChat("deepseek-r1", nil))
	assert.Equal(t, 0, counter.EstimateChat("deepseek-r1", []domain.ChatMessage{}))
}

func TestEstimateChatDeterministic(t *testing.T) {
	t.Parallel()

	counter := NewCounter()

	msgs := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "What is the capital of France?"},
	}

	first := counter.EstimateChat("qwen-max", msgs)
	second := counter.EstimateChat("qwen-max", msgs)

	assert.Equal(t, first, second, "cached encoding should produce the same estimate")
}

func TestLengthEstimate(t *testing.T) {
	t.Parallel()

	msgs := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "12345678"},
		{Role: domain.RoleAssistant, Content: ""},
	}

	// 3 priming + (3 + 8/4) + (3 + 0)
	assert.Equal(t, 11, lengthEstimate(msgs))
}

func TestDefaultCounter(t *testing.T) {
	t.Parallel()

	count := EstimateChat("gemini-2.5-flash", []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "hello"},
	})
	assert.Greater(t, count, 0)
}
