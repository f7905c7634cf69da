package store

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/provasonline/provas/internal/model"
)

const examCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CreateExam stores an exam, assigning its ID, access code and defaults.
func (s *Store) CreateExam(ctx context.Context, e model.Exam) (string, error) {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Code == "" {
		code, err := examCode(6)
		if err != nil {
			return "", err
		}
		e.Code = code
	}
	if e.Status == "" {
		e.Status = model.ExamActive
	}
	if e.Difficulty == "" {
		e.Difficulty = model.DifficultyMedium
	}
	if e.DurationMinutes == 0 {
		e.DurationMinutes = 60
	}
	e.CreatedAt = time.Now()
	if err := s.putEntity(ctx, CollExams, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// GetExam returns an exam by ID, or nil when missing.
func (s *Store) GetExam(ctx context.Context, id string) (*model.Exam, error) {
	var e model.Exam
	err := s.getEntity(ctx, CollExams, id, &e)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExamsByProfessor returns the exams created by a professor.
func (s *Store) ListExamsByProfessor(ctx context.Context, professorID string) ([]model.Exam, error) {
	docs, err := s.findWhere(ctx, CollExams, fieldEquals("userId", professorID))
	if err != nil {
		return nil, err
	}
	exams := make([]model.Exam, 0, len(docs))
	for _, d := range docs {
		var e model.Exam
		if err := model.FromDocument(d, &e); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, nil
}

func examCode(n int) (string, error) {
	max := big.NewInt(int64(len(examCodeAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = examCodeAlphabet[idx.Int64()]
	}
	return string(b), nil
}
