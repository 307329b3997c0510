// Package backend provides the HTTP client for inference nodes.
//
// Nodes expose an OpenAI-compatible chat completions endpoint plus an
// upload endpoint for relaying user files. Transport failures map onto the
// domain Backend* sentinels so the worker can pick user-facing messages
// without inspecting raw errors.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-chat-orchestrator/pkg/textx"
)

// DefaultUploadTimeout bounds one file relay round-trip.
const DefaultUploadTimeout = 60 * time.Second

// statusBodyRunes is how much of a non-2xx body survives into the error.
const statusBodyRunes = 100

// Client talks to one inference node per call and implements
// domain.BackendClient.
type Client struct {
	hc            *http.Client
	uploadTimeout time.Duration
}

// New constructs a Client with OpenTelemetry-traced transport. The chat
// timeout arrives per call because provider families differ; the upload
// timeout is fixed at construction.
func New(uploadTimeout time.Duration) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Backend %s %s", r.Method, r.URL.Host)
		}),
	)
	if uploadTimeout <= 0 {
		uploadTimeout = DefaultUploadTimeout
	}
	return &Client{
		hc:            &http.Client{Transport: transport},
		uploadTimeout: uploadTimeout,
	}
}

// Chat posts an OpenAI-style completion request to nodeBase and returns the
// assistant message content. A reply without the expected choices shape is
// returned as raw text; some nodes answer image requests with a bare body.
// The call is made exactly once: retries happen at the queue level through
// redelivery, and a second attempt here would double-bill the backend.
func (c *Client) Chat(ctx domain.Context, nodeBase string, req domain.ChatRequest, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("op=backend.chat: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(nodeBase, "/")+"/v1/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("op=backend.chat: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(r)
	if err != nil {
		return "", fmt.Errorf("op=backend.chat node=%s: %w", nodeBase, classifyTransportError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=backend.chat node=%s: %w", nodeBase, classifyTransportError(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := textx.TruncateRunes(strings.TrimSpace(string(bodyBytes)), statusBodyRunes)
		slog.Warn("backend non-2xx",
			slog.String("node", nodeBase),
			slog.Int("status", resp.StatusCode),
			slog.String("model", req.Model),
			slog.String("body", snippet))
		return "", fmt.Errorf("op=backend.chat node=%s: %w", nodeBase, &domain.BackendStatusError{Code: resp.StatusCode, Body: snippet})
	}

	slog.Debug("backend chat completed",
		slog.String("node", nodeBase),
		slog.String("model", req.Model),
		slog.Duration("elapsed", time.Since(start)))

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(bodyBytes, &out); err != nil || len(out.Choices) == 0 {
		return strings.TrimSpace(string(bodyBytes)), nil
	}
	return out.Choices[0].Message.Content, nil
}

// RelayFiles uploads local files to {node}/upload as one multipart request
// and returns the node-assigned remote paths. Every failure wraps
// domain.ErrUploadRelay.
func (c *Client) RelayFiles(ctx domain.Context, nodeBase string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range paths {
		if err := writeFilePart(mw, p); err != nil {
			return nil, fmt.Errorf("op=backend.relay_files file=%s: %w: %v", p, domain.ErrUploadRelay, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("op=backend.relay_files: %w: %v", domain.ErrUploadRelay, err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(nodeBase, "/")+"/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("op=backend.relay_files: %w: %v", domain.ErrUploadRelay, err)
	}
	r.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.hc.Do(r)
	if err != nil {
		return nil, fmt.Errorf("op=backend.relay_files node=%s: %w: %v", nodeBase, domain.ErrUploadRelay, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=backend.relay_files node=%s: %w: status %d", nodeBase, domain.ErrUploadRelay, resp.StatusCode)
	}

	var out struct {
		Files []string `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=backend.relay_files node=%s: %w: %v", nodeBase, domain.ErrUploadRelay, err)
	}
	if len(out.Files) == 0 {
		return nil, fmt.Errorf("op=backend.relay_files node=%s: %w: empty files reply", nodeBase, domain.ErrUploadRelay)
	}
	slog.Info("files relayed to node",
		slog.String("node", nodeBase),
		slog.Int("count", len(out.Files)))
	return out.Files, nil
}

// writeFilePart appends one file to the multipart body with its sniffed
// content type.
func writeFilePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path) // #nosec G304 -- paths come from the dispatcher's upload staging, not request input
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(path); err == nil {
		contentType = mt.String()
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// classifyTransportError maps a transport failure onto the Backend*
// sentinels. Dial problems are distinguished from deadline expiry so the
// worker can tell "node unreachable" apart from "node too slow".
func classifyTransportError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", domain.ErrBackendConnect, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrBackendTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrBackendNetwork, err)
}
