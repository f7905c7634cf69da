package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/provasonline/provas/internal/i18n"
	"github.com/provasonline/provas/internal/llm"
	"github.com/provasonline/provas/internal/model"
)

const defaultQuestionCount = 10

type generateRequest struct {
	Topic      string           `json:"tema"`
	Content    string           `json:"conteudo"`
	Count      int              `json:"numQuestoes"`
	Difficulty model.Difficulty `json:"dificuldade"`
}

type createExamRequest struct {
	generateRequest
	Title           string           `json:"titulo"`
	ClassID         string           `json:"turmaId"`
	DurationMinutes int              `json:"duracao"`
	Questions       []model.Question `json:"questoes"`
}

// studentQuestion is a question without its answer key.
type studentQuestion struct {
	Question string   `json:"pergunta"`
	Options  []string `json:"opcoes"`
}

// questions returns AI-generated questions, or the fallback set when the
// generator is missing or fails. The bool reports whether the fallback
// was used.
func (h *Handler) questions(r *http.Request, req generateRequest) ([]model.Question, bool) {
	if req.Count <= 0 {
		req.Count = defaultQuestionCount
	}
	subject := req.Topic
	if subject == "" {
		subject = req.Content
	}
	if h.generator == nil || !h.config.LLMEnabled {
		return llm.FallbackQuestions(subject, req.Count), true
	}
	qs, err := h.generator.GenerateQuestions(r.Context(), llm.GenerateRequest{
		Topic:      req.Topic,
		Content:    req.Content,
		Count:      req.Count,
		Difficulty: req.Difficulty,
	})
	if err != nil {
		slog.Warn("question generation failed, using fallback", "error", err)
		return llm.FallbackQuestions(subject, req.Count), true
	}
	return qs, false
}

func (h *Handler) handleGenerateQuestions(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" && strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "ErrInvalidRequest"))
		return
	}
	qs, fallback := h.questions(r, req)
	msg := appI18n.Tp(r.Context(), "QuestionsGenerated", len(qs))
	if fallback {
		msg = appI18n.T(r.Context(), "FallbackQuestionsUsed")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"questoes": qs,
		"fallback": fallback,
		"message":  msg,
	})
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req createExamRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "ErrInvalidRequest"))
		return
	}
	for _, q := range req.Questions {
		if q.Question == "" || len(q.Options) < 2 || q.CorrectAnswer < 0 || q.CorrectAnswer >= len(q.Options) {
			writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "ErrInvalidRequest"))
			return
		}
	}
	if len(req.Questions) == 0 {
		req.Questions, _ = h.questions(r, req.generateRequest)
	}

	user := model.UserFromContext(r.Context())
	exam := model.Exam{
		ProfessorID:     user.ID,
		ClassID:         req.ClassID,
		Title:           req.Title,
		Content:         req.Content,
		Difficulty:      req.Difficulty,
		DurationMinutes: req.DurationMinutes,
		Questions:       req.Questions,
	}
	id, err := h.store.CreateExam(r.Context(), exam)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	created, err := h.store.GetExam(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	slog.Info("exam created", "id", id, "professor", user.ID, "questions", len(created.Questions))
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "prova": created})
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.store.GetExam(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if exam == nil {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ErrNotFound"))
		return
	}

	user := model.UserFromContext(r.Context())
	if user.Role == model.UserRoleProfessor || user.Role == model.UserRoleAdmin {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "prova": exam})
		return
	}

	qs := make([]studentQuestion, len(exam.Questions))
	for i, q := range exam.Questions {
		qs[i] = studentQuestion{Question: q.Question, Options: q.Options}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"prova": map[string]any{
			"_id":         exam.ID,
			"titulo":      exam.Title,
			"dificuldade": exam.Difficulty,
			"duracao":     exam.DurationMinutes,
			"status":      exam.Status,
			"questoes":    qs,
		},
	})
}

// ownedExam loads the {id} exam and checks that the caller may manage it.
func (h *Handler) ownedExam(w http.ResponseWriter, r *http.Request) (*model.Exam, bool) {
	exam, err := h.store.GetExam(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	if exam == nil {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ErrNotFound"))
		return nil, false
	}
	user := model.UserFromContext(r.Context())
	if user.Role != model.UserRoleAdmin && exam.ProfessorID != user.ID {
		writeError(w, http.StatusForbidden, appI18n.T(r.Context(), "ErrForbidden"))
		return nil, false
	}
	return exam, true
}

func (h *Handler) handleReleaseScores(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.ownedExam(w, r)
	if !ok {
		return
	}
	n, err := h.store.ReleaseScores(r.Context(), exam.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	slog.Info("scores released", "exam", exam.ID, "results", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"released": n,
		"message":  appI18n.Tp(r.Context(), "ScoresReleased", n),
	})
}

func (h *Handler) handleExamResults(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.ownedExam(w, r)
	if !ok {
		return
	}
	results, err := h.store.ListResultsByExam(r.Context(), exam.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "resultados": results})
}

func (h *Handler) handleStudentResults(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	results, err := h.store.ListResultsByStudent(r.Context(), user.ID, true)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "resultados": results})
}
