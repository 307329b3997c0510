package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	httpserver "github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/usecase"
)

func TestBuildRouter_Healthz_And_Readyz(t *testing.T) {
	cfg := config.Config{Port: 8080, RateLimitPerMin: 30}
	srv := httpserver.NewServer(cfg, usecase.DispatchService{}, usecase.StatusService{},
		func(_ context.Context) error { return nil },
		func(_ context.Context) error { return nil },
	)
	h := app.BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("/healthz: want 200, got %d", rec.Result().StatusCode)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec2.Result().StatusCode != http.StatusOK {
		t.Fatalf("/readyz: want 200, got %d", rec2.Result().StatusCode)
	}

	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec3.Result().StatusCode != http.StatusOK {
		t.Fatalf("/health: want 200, got %d", rec3.Result().StatusCode)
	}

	rec4 := httptest.NewRecorder()
	h.ServeHTTP(rec4, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec4.Result().StatusCode != http.StatusOK {
		t.Fatalf("/metrics: want 200, got %d", rec4.Result().StatusCode)
	}
}
