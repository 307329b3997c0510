//go:build e2e

// Package e2e_test exercises a running orchestrator stack end to end:
// gateway, Postgres, Redis stream, at least one worker and one live
// backend node. The suite is deliberately small and safe to run
// repeatedly; point E2E_BASE_URL at the gateway before running.
package e2e_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	coreHTTPTimeout     = 15 * time.Second
	coreAppReadyTimeout = 60 * time.Second
)

// TestE2E_Core_SinglePrompt submits one prompt on the default model and
// follows the task to completion.
func TestE2E_Core_SinglePrompt(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	client := &http.Client{Timeout: coreHTTPTimeout}
	waitForAppReady(t, client, coreAppReadyTimeout)

	resp := submitChat(t, client, map[string]string{
		"prompt": "Reply with the single word pong.",
	}, nil)

	batchID := requireField(t, resp, "batch_id")
	conversationID := requireField(t, resp, "conversation_id")
	require.Equal(t, "Tasks dispatched successfully", resp["message"])
	ids := taskIDs(t, resp)
	require.Len(t, ids, 1)
	t.Logf("batch=%s conversation=%s task=%s", batchID, conversationID, ids[0])

	task := waitForTaskTerminal(t, client, ids[0])
	require.Equal(t, float64(1), task["status"], "task failed: %v", task["error_msg"])
	text, _ := task["response_text"].(string)
	assert.NotEmpty(t, text)
	assert.NotNil(t, task["cost_time"])

	batch := waitForBatchTerminal(t, client, batchID)
	assert.Equal(t, "COMPLETED", batch["status"])
	results, ok := batch["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
}

// TestE2E_Core_ConversationHistory reuses a conversation across two
// submissions and checks the rendered history.
func TestE2E_Core_ConversationHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	client := &http.Client{Timeout: coreHTTPTimeout}
	waitForAppReady(t, client, coreAppReadyTimeout)

	first := submitChat(t, client, map[string]string{
		"prompt": "Remember the code word tangerine.",
	}, nil)
	conversationID := requireField(t, first, "conversation_id")
	waitForTaskTerminal(t, client, taskIDs(t, first)[0])

	second := submitChat(t, client, map[string]string{
		"prompt":          "What was the code word?",
		"conversation_id": conversationID,
	}, nil)
	require.Equal(t, conversationID, second["conversation_id"])
	waitForTaskTerminal(t, client, taskIDs(t, second)[0])

	resp, err := client.Get(baseURL + "/v1/conversations/" + conversationID + "/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var messages []map[string]any
	require.NoError(t, jsonDecode(resp.Body, &messages))
	// two user turns and two assistant replies
	require.GreaterOrEqual(t, len(messages), 4)
	assert.Equal(t, "user", messages[0]["role"])
	assert.Equal(t, "assistant", messages[1]["role"])

	// the conversation shows up in the recent list
	code, body := getJSON(t, client, "/v1/conversations?limit=20")
	require.Equal(t, http.StatusOK, code)
	convs, ok := body["conversations"].([]any)
	require.True(t, ok)
	found := false
	for _, c := range convs {
		if m, ok := c.(map[string]any); ok && m["conversation_id"] == conversationID {
			found = true
		}
	}
	assert.True(t, found, "conversation %s not listed", conversationID)
}

// TestE2E_Core_Health checks the liveness and dependency health endpoints.
func TestE2E_Core_Health(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	client := &http.Client{Timeout: coreHTTPTimeout}

	resp, err := client.Get(baseURL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	code, body := getJSON(t, client, "/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}
