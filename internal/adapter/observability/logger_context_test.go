package observability

import (
	"context"
	"log/slog"
	"testing"
)

func TestLoggerContextRoundTrip(t *testing.T) {
	lg := slog.Default().With(slog.String("request_id", "r1"))

	base := context.Background()
	ctx := ContextWithLogger(base, lg)
	if ctx == base {
		t.Fatal("expected a derived context when attaching a logger")
	}
	if got := LoggerFromContext(ctx); got != lg {
		t.Fatalf("LoggerFromContext did not return original logger, got %v", got)
	}

	// nil logger leaves the context untouched
	if got := ContextWithLogger(base, nil); got != base {
		t.Fatal("expected original context when logger is nil")
	}
	// a bare context still yields a usable logger
	if got := LoggerFromContext(context.Background()); got == nil {
		t.Fatal("expected default logger for empty context")
	}
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	base := context.Background()
	ctx := ContextWithRequestID(base, "req-123")
	if ctx == base {
		t.Fatal("expected a derived context when setting request id")
	}
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Fatalf("RequestIDFromContext() = %q, want %q", got, "req-123")
	}

	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty string when no request id present, got %q", got)
	}
	if got := ContextWithRequestID(base, ""); got != base {
		t.Fatal("expected original context when request id is empty")
	}
}
