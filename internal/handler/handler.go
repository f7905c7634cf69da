package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/provasonline/provas/internal/backup"
	"github.com/provasonline/provas/internal/collection"
	"github.com/provasonline/provas/internal/dispatch"
	appI18n "github.com/provasonline/provas/internal/i18n"
	"github.com/provasonline/provas/internal/llm"
	"github.com/provasonline/provas/internal/model"
	"github.com/provasonline/provas/internal/store"
	"github.com/provasonline/provas/internal/syncqueue"
)

// QuestionGenerator produces exam questions from professor content.
type QuestionGenerator interface {
	GenerateQuestions(ctx context.Context, req llm.GenerateRequest) ([]model.Question, error)
}

// Drainer delivers the pending sync queue.
type Drainer interface {
	Drain(ctx context.Context) (dispatch.DrainReport, error)
}

// Deps are the components the HTTP API serves. Drainer and Generator are
// optional.
type Deps struct {
	Store     *store.Store
	Registry  *collection.Registry
	Queue     *syncqueue.Queue
	Backup    *backup.Engine
	Drainer   Drainer
	Generator QuestionGenerator
	Config    model.ServerConfig
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	registry  *collection.Registry
	queue     *syncqueue.Queue
	backup    *backup.Engine
	drainer   Drainer
	generator QuestionGenerator
	config    model.ServerConfig
	now       func() time.Time
}

// New creates a new Handler.
func New(d Deps) (*Handler, error) {
	if d.Store == nil || d.Registry == nil || d.Queue == nil || d.Backup == nil {
		return nil, errors.New("handler: store, registry, queue and backup engine are required")
	}
	return &Handler{
		store:     d.Store,
		registry:  d.Registry,
		queue:     d.Queue,
		backup:    d.Backup,
		drainer:   d.Drainer,
		generator: d.Generator,
		config:    d.Config,
		now:       time.Now,
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/health", h.handleHealth)
	r.Post("/api/auth/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Post("/api/auth/logout", h.handleLogout)
		r.Get("/api/auth/me", h.handleMe)

		r.Route("/api/sync", func(r chi.Router) {
			r.Get("/status", h.handleSyncStatus)
			r.With(requireRole(model.UserRoleProfessor, model.UserRoleAdmin)).Get("/failed", h.handleSyncFailed)
			r.With(requireRole(model.UserRoleProfessor, model.UserRoleAdmin)).Post("/failed/{id}/retry", h.handleSyncRetry)
			r.With(requireRole(model.UserRoleAdmin)).Post("/drain", h.handleSyncDrain)
			r.Post("/{collection}", h.handleSync)
		})

		r.Route("/api/backup", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleProfessor, model.UserRoleAdmin))
			r.Post("/manual", h.handleBackupManual)
			r.Get("/list", h.handleBackupList)
			r.With(requireRole(model.UserRoleAdmin)).Post("/restore/{filename}", h.handleBackupRestore)
		})

		r.Route("/api/provas", func(r chi.Router) {
			r.Post("/offline/save", h.handleOfflineSave)
			r.Get("/offline/pending", h.handleOfflinePending)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleProfessor, model.UserRoleAdmin))
				r.Post("/", h.handleCreateExam)
				r.Post("/generate", h.handleGenerateQuestions)
				r.Post("/{id}/liberar-notas", h.handleReleaseScores)
				r.Get("/{id}/resultados", h.handleExamResults)
			})
			r.Get("/{id}", h.handleGetExam)
		})

		r.With(requireRole(model.UserRoleStudent)).Get("/api/aluno/resultados", h.handleStudentResults)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/users", h.handleListUsers)
			r.Post("/users", h.handleCreateUser)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    "OK",
		"timestamp": h.now().UTC(),
	})
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError writes the {success:false, error} envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// writeErr maps a domain error to a status code and a localized message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, collection.ErrUnsupported), errors.Is(err, syncqueue.ErrInvalidAction),
		errors.Is(err, collection.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", appI18n.T(ctx, "ErrInvalidRequest"), err))
	case errors.Is(err, collection.ErrForbidden):
		writeError(w, http.StatusForbidden, appI18n.T(ctx, "ErrForbidden"))
	case errors.Is(err, collection.ErrNotFound), errors.Is(err, syncqueue.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, appI18n.T(ctx, "ErrNotFound"))
	case errors.Is(err, backup.ErrBackupNotFound):
		writeError(w, http.StatusNotFound, appI18n.T(ctx, "ErrBackupNotFound"))
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, appI18n.T(ctx, "ErrDuplicateEmail"))
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(ctx, "ErrInternal"))
	}
}

// decodeBody decodes the JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", collection.ErrInvalidPayload, err)
	}
	return nil
}
