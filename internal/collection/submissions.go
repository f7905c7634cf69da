package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/provasonline/provas/internal/grading"
	"github.com/provasonline/provas/internal/model"
	"github.com/provasonline/provas/internal/store"
)

// SubmissionPayload is the data carried by a queued respostas operation.
// StudentID is only honoured when the actor is the sync service.
type SubmissionPayload struct {
	ID        string          `json:"id,omitempty"`
	ExamID    string          `json:"provaId,omitempty"`
	StudentID string          `json:"alunoId,omitempty"`
	Answers   []string        `json:"respostas,omitempty"`
	TimeSpent *int            `json:"tempoGasto,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Submissions handles the respostas collection.
type Submissions struct {
	store *store.Store
	now   func() time.Time

	// mu serializes the find-then-insert on (exam, student).
	mu sync.Mutex
}

// NewSubmissions creates the respostas handler.
func NewSubmissions(s *store.Store) *Submissions {
	return &Submissions{store: s, now: time.Now}
}

func decodePayload(data json.RawMessage) (SubmissionPayload, error) {
	var p SubmissionPayload
	if len(data) == 0 {
		return p, fmt.Errorf("%w: empty data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// studentID resolves who is acting: the caller itself, or for the sync
// service the student named in the payload.
func studentID(actor *model.User, p SubmissionPayload) (string, error) {
	if actor == nil {
		return "", ErrForbidden
	}
	if actor.Role == model.UserRoleSync {
		if p.StudentID == "" {
			return "", fmt.Errorf("%w: alunoId required", ErrInvalidPayload)
		}
		return p.StudentID, nil
	}
	return actor.ID, nil
}

// parseTimestamp accepts an RFC 3339 string or Unix milliseconds.
func parseTimestamp(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return fallback
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms)
	}
	return fallback
}

// Create upserts the submission for (exam, student). A new submission is
// graded and gets a companion result with the score not yet released.
func (h *Submissions) Create(ctx context.Context, actor *model.User, data json.RawMessage) (Outcome, error) {
	p, err := decodePayload(data)
	if err != nil {
		return Outcome{}, err
	}
	sid, err := studentID(actor, p)
	if err != nil {
		return Outcome{}, err
	}
	if p.ExamID == "" {
		return Outcome{}, fmt.Errorf("%w: provaId required", ErrInvalidPayload)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	existing, err := h.store.FindSubmission(ctx, p.ExamID, sid)
	if err != nil {
		return Outcome{}, fmt.Errorf("find submission: %w", err)
	}
	if existing != nil {
		existing.Answers = p.Answers
		if p.TimeSpent != nil {
			existing.TimeSpent = *p.TimeSpent
		}
		existing.SubmittedAt = parseTimestamp(p.Timestamp, now)
		existing.SyncedAt = &now
		if err := h.store.SaveSubmission(ctx, existing); err != nil {
			return Outcome{}, fmt.Errorf("update submission: %w", err)
		}
		slog.Info("submission already exists, updated", "id", existing.ID, "exam", p.ExamID, "student", sid)
		return Outcome{Type: model.ActionUpdate, ID: existing.ID}, nil
	}

	sub := &model.Submission{
		ExamID:      p.ExamID,
		StudentID:   sid,
		Answers:     p.Answers,
		SubmittedAt: parseTimestamp(p.Timestamp, now),
		SyncedAt:    &now,
		Status:      model.SubmissionFinished,
	}
	if p.TimeSpent != nil {
		sub.TimeSpent = *p.TimeSpent
	}
	if err := h.store.SaveSubmission(ctx, sub); err != nil {
		return Outcome{}, fmt.Errorf("create submission: %w", err)
	}
	if err := h.grade(ctx, sub); err != nil {
		return Outcome{}, err
	}
	slog.Info("submission created", "id", sub.ID, "exam", sub.ExamID, "student", sid)
	return Outcome{Type: model.ActionCreate, ID: sub.ID}, nil
}

// grade writes the result for sub. Submissions for unknown exams get none.
func (h *Submissions) grade(ctx context.Context, sub *model.Submission) error {
	exam, err := h.store.GetExam(ctx, sub.ExamID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}
	if exam == nil {
		slog.Warn("submission for unknown exam, not graded", "exam", sub.ExamID)
		return nil
	}
	g := grading.Score(exam.Questions, sub.Answers)

	name := "Aluno"
	if u, err := h.store.GetUserByID(ctx, sub.StudentID); err != nil {
		return fmt.Errorf("get student: %w", err)
	} else if u != nil {
		name = u.Name
	}
	res := &model.Result{
		ExamID:      sub.ExamID,
		StudentID:   sub.StudentID,
		StudentName: name,
		Answers:     sub.Answers,
		Score:       grading.Round(g.Score, 2),
		Correct:     g.Correct,
		Total:       g.Total,
		Percentage:  grading.Round(g.Percentage, 1),
		TimeSpent:   sub.TimeSpent,
		Details:     g.Details,
		SyncedAt:    sub.SyncedAt,
	}
	if err := h.store.SaveResult(ctx, res); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	slog.Info("result created", "id", res.ID, "score", res.Score, "correct", g.Correct, "total", g.Total)
	return nil
}

// Update applies the provided fields to a submission owned by the student.
func (h *Submissions) Update(ctx context.Context, actor *model.User, data json.RawMessage) (Outcome, error) {
	p, err := decodePayload(data)
	if err != nil {
		return Outcome{}, err
	}
	sid, err := studentID(actor, p)
	if err != nil {
		return Outcome{}, err
	}
	if p.ID == "" {
		return Outcome{}, fmt.Errorf("%w: id required", ErrInvalidPayload)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub, err := h.store.GetSubmission(ctx, p.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get submission: %w", err)
	}
	if sub == nil {
		return Outcome{}, fmt.Errorf("submission %s: %w", p.ID, ErrNotFound)
	}
	if sub.StudentID != sid {
		return Outcome{}, ErrForbidden
	}
	if p.Answers != nil {
		sub.Answers = p.Answers
	}
	if p.TimeSpent != nil {
		sub.TimeSpent = *p.TimeSpent
	}
	now := h.now()
	sub.SyncedAt = &now
	if err := h.store.SaveSubmission(ctx, sub); err != nil {
		return Outcome{}, fmt.Errorf("update submission: %w", err)
	}
	return Outcome{Type: model.ActionUpdate, ID: sub.ID}, nil
}

// Delete removes a submission if it belongs to the student. Deleting a
// submission owned by someone else removes nothing.
func (h *Submissions) Delete(ctx context.Context, actor *model.User, data json.RawMessage) (Outcome, error) {
	p, err := decodePayload(data)
	if err != nil {
		return Outcome{}, err
	}
	sid, err := studentID(actor, p)
	if err != nil {
		return Outcome{}, err
	}
	if p.ID == "" {
		return Outcome{}, fmt.Errorf("%w: id required", ErrInvalidPayload)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.store.DeleteSubmission(ctx, p.ID, sid)
	if err != nil {
		return Outcome{}, fmt.Errorf("delete submission: %w", err)
	}
	return Outcome{Type: model.ActionDelete, Count: &n}, nil
}
