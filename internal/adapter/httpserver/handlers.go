package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Dispatch    usecase.DispatchService
	Status      usecase.StatusService
	DBCheck     func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, dispatch usecase.DispatchService, status usecase.StatusService, dbCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Dispatch: dispatch, Status: status, DBCheck: dbCheck, BrokerCheck: brokerCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// taskPayload is the JSON rendering of one task row.
type taskPayload struct {
	TaskID         string    `json:"task_id"`
	BatchID        string    `json:"batch_id"`
	ConversationID string    `json:"conversation_id"`
	Prompt         string    `json:"prompt"`
	ModelName      string    `json:"model_name"`
	TaskType       string    `json:"task_type"`
	FilePaths      []string  `json:"file_paths"`
	Status         int       `json:"status"`
	ResponseText   *string   `json:"response_text"`
	ErrorMsg       *string   `json:"error_msg"`
	CostTime       *float64  `json:"cost_time"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func renderTask(t domain.Task) taskPayload {
	paths := t.FilePaths
	if paths == nil {
		paths = []string{}
	}
	return taskPayload{
		TaskID:         t.ID,
		BatchID:        t.BatchID,
		ConversationID: t.ConversationID,
		Prompt:         t.Prompt,
		ModelName:      t.ModelName,
		TaskType:       t.TaskType,
		FilePaths:      paths,
		Status:         int(t.Status),
		ResponseText:   t.ResponseText,
		ErrorMsg:       t.ErrorMsg,
		CostTime:       t.CostTime,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// SubmitHandler accepts the multipart chat submission, stages uploaded
// files and fans the request out into a batch of tasks.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept negotiation: only JSON responses supported
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusNotAcceptable)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "INVALID_ARGUMENT", "message": "not acceptable", "details": map[string]any{"accept": a}}})
			return
		}
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		// Limit total multipart size
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes*2)
		if err := r.ParseMultipartForm(maxBytes * 2); err != nil {
			// Map body too large to 413
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "INVALID_ARGUMENT", "message": "payload too large", "details": map[string]any{"max_mb": s.Cfg.MaxUploadMB}}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		var form struct {
			Prompt            string `validate:"required,max=20000"`
			Model             string `validate:"max=2000"`
			ConversationID    string `validate:"omitempty,max=100"`
			Mode              string `validate:"oneof=text image"`
			GeminiConcurrency int    `validate:"min=0,max=2"`
		}
		form.Prompt = r.FormValue("prompt")
		form.Model = r.FormValue("model")
		form.ConversationID = r.FormValue("conversation_id")
		form.Mode = r.FormValue("mode")
		if form.Mode == "" {
			form.Mode = usecase.ModeText
		}
		if raw := r.FormValue("gemini_concurrency"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: gemini_concurrency must be an integer", domain.ErrInvalidArgument), map[string]string{"field": "gemini_concurrency"})
				return
			}
			form.GeminiConcurrency = n
		}
		if err := getValidator().Struct(form); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		filePaths := saveUploadedFiles(r.MultipartForm, s.Cfg.UploadDir)

		res, err := s.Dispatch.Dispatch(r.Context(), usecase.DispatchInput{
			Prompt:            form.Prompt,
			ModelConfig:       form.Model,
			ConversationID:    form.ConversationID,
			Mode:              form.Mode,
			GeminiConcurrency: form.GeminiConcurrency,
			FilePaths:         filePaths,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("dispatch: %w", err), nil)
			return
		}
		taskIDs := res.TaskIDs
		if taskIDs == nil {
			taskIDs = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"batch_id":        res.BatchID,
			"conversation_id": res.ConversationID,
			"message":         "Tasks dispatched successfully",
			"task_ids":        taskIDs,
		})
	}
}

// TaskHandler returns one task row by id.
func (s *Server) TaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "taskID")
		if v := ValidateResourceID("task_id", id); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid task id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		t, err := s.Status.Task(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, renderTask(t))
	}
}

// BatchHandler returns a batch and the results of all of its child tasks.
// Frontends poll this endpoint while the batch is in flight.
func (s *Server) BatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "batchID")
		if v := ValidateResourceID("batch_id", id); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid batch id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		view, err := s.Status.Batch(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		results := make([]taskPayload, 0, len(view.Results))
		for _, t := range view.Results {
			results = append(results, renderTask(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"batch_id":    view.Batch.ID,
			"status":      string(view.Batch.Status),
			"user_prompt": view.Batch.UserPrompt,
			"created_at":  view.Batch.CreatedAt,
			"results":     results,
		})
	}
}

// HistoryHandler renders a conversation as the flat message list consumed
// by the chat frontend.
func (s *Server) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "conversationID")
		if v := ValidateResourceID("conversation_id", id); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid conversation id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		messages, err := s.Status.History(r.Context(), id, s.Cfg.PublicBaseURL)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

// ConversationsHandler lists recent conversations, newest first.
func (s *Server) ConversationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v := ValidateLimit(raw); !v.Valid {
				writeError(w, r, fmt.Errorf("%w: invalid limit", domain.ErrInvalidArgument), v.Errors)
				return
			}
			limit, _ = strconv.Atoi(raw)
		}
		convs, err := s.Status.RecentConversations(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
	}
}

// HealthHandler reports process liveness plus a best-effort look at the
// database and the stream broker. It always answers 200; readiness gating
// belongs to /readyz.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		db := s.DBCheck != nil && s.DBCheck(ctx) == nil
		broker := s.BrokerCheck != nil && s.BrokerCheck(ctx) == nil
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "db": db, "broker": broker})
	}
}

// ReadyzHandler probes the database and the stream broker and fails the
// probe when either is unreachable.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.BrokerCheck != nil {
			if err := s.BrokerCheck(ctx); err != nil {
				checks = append(checks, check{Name: "broker", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "broker", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
