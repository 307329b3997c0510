//go:build e2e

package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string { if v := os.Getenv(k); v != "" { return v }; return def }

var baseURL = getenv("E2E_BASE_URL", "http://localhost:8080")

// waitForAppReady polls the health endpoint until the gateway answers or the
// deadline passes.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("gateway not ready within %v", timeout)
}

// submitChat posts a multipart chat submission and returns the decoded
// response body. Transient 429s are retried briefly.
func submitChat(t *testing.T, client *http.Client, fields map[string]string, files map[string][]byte) map[string]any {
	t.Helper()
	var lastStatus int
	for i := 0; i < 6; i++ {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		for k, v := range fields {
			require.NoError(t, writer.WriteField(k, v))
		}
		for name, content := range files {
			fw, err := writer.CreateFormFile("files", name)
			require.NoError(t, err)
			_, _ = fw.Write(content)
		}
		_ = writer.Close()

		req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/chat/completions", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		resp, err := client.Do(req)
		require.NoError(t, err)
		lastStatus = resp.StatusCode
		if resp.StatusCode == http.StatusOK {
			defer resp.Body.Close()
			var result map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
			return result
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		break
	}
	require.Equal(t, http.StatusOK, lastStatus)
	return map[string]any{}
}

// submitExpectingError posts a multipart chat submission that should be
// rejected and returns the status code.
func submitExpectingError(t *testing.T, client *http.Client, fields map[string]string) int {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	_ = writer.Close()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/chat/completions", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

// jsonDecode decodes a response body into out.
func jsonDecode(r io.Reader, out any) error { return json.NewDecoder(r).Decode(out) }

// getJSON fetches path and returns the status code and decoded body.
func getJSON(t *testing.T, client *http.Client, path string) (int, map[string]any) {
	t.Helper()
	resp, err := client.Get(baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

// waitForTaskTerminal polls a task until it reaches SUCCESS or FAILED.
// Poll count and interval are tunable via E2E_MAX_POLLS / E2E_SLEEP_MS.
func waitForTaskTerminal(t *testing.T, client *http.Client, taskID string) map[string]any {
	t.Helper()
	maxPolls, _ := strconv.Atoi(getenv("E2E_MAX_POLLS", "60"))
	if maxPolls <= 0 { maxPolls = 60 }
	sleepMs, _ := strconv.Atoi(getenv("E2E_SLEEP_MS", "2000"))
	if sleepMs <= 0 { sleepMs = 2000 }

	for i := 0; i < maxPolls; i++ {
		code, body := getJSON(t, client, "/v1/tasks/"+taskID)
		require.Equal(t, http.StatusOK, code)
		if status, ok := body["status"].(float64); ok && (status == 1 || status == 2) {
			return body
		}
		time.Sleep(time.Duration(sleepMs) * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state", taskID)
	return nil
}

// waitForBatchTerminal polls a batch until its aggregate status leaves
// PROCESSING.
func waitForBatchTerminal(t *testing.T, client *http.Client, batchID string) map[string]any {
	t.Helper()
	maxPolls, _ := strconv.Atoi(getenv("E2E_MAX_POLLS", "60"))
	if maxPolls <= 0 { maxPolls = 60 }
	sleepMs, _ := strconv.Atoi(getenv("E2E_SLEEP_MS", "2000"))
	if sleepMs <= 0 { sleepMs = 2000 }

	for i := 0; i < maxPolls; i++ {
		code, body := getJSON(t, client, "/v1/batches/"+batchID)
		require.Equal(t, http.StatusOK, code)
		if status, ok := body["status"].(string); ok && status != "PROCESSING" {
			return body
		}
		time.Sleep(time.Duration(sleepMs) * time.Millisecond)
	}
	t.Fatalf("batch %s did not reach a terminal state", batchID)
	return nil
}

// taskIDs extracts the task_ids array from a submit response.
func taskIDs(t *testing.T, submitResp map[string]any) []string {
	t.Helper()
	raw, ok := submitResp["task_ids"].([]any)
	require.True(t, ok, "task_ids missing: %#v", submitResp)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		id, ok := v.(string)
		require.True(t, ok, "task id not a string: %#v", v)
		ids = append(ids, id)
	}
	return ids
}

// requireField asserts a non-empty string field on a decoded body.
func requireField(t *testing.T, body map[string]any, key string) string {
	t.Helper()
	v, ok := body[key].(string)
	require.True(t, ok && v != "", fmt.Sprintf("%s missing: %#v", key, body))
	return v
}
