package store

import (
	"context"

	"github.com/provasonline/provas/internal/model"
)

// FindSubmission returns the submission of a student for an exam, or nil.
func (s *Store) FindSubmission(ctx context.Context, examID, studentID string) (*model.Submission, error) {
	docs, err := s.findWhere(ctx, CollSubmissions, func(d model.Document) bool {
		return fieldEquals("provaId", examID)(d) && fieldEquals("alunoId", studentID)(d)
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var sub model.Submission
	if err := model.FromDocument(docs[0], &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubmission returns a submission by ID, or nil when missing.
func (s *Store) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	var sub model.Submission
	err := s.getEntity(ctx, CollSubmissions, id, &sub)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// SaveSubmission inserts or replaces a submission, assigning an ID if needed.
func (s *Store) SaveSubmission(ctx context.Context, sub *model.Submission) error {
	if sub.ID == "" {
		sub.ID = NewID()
	}
	return s.putEntity(ctx, CollSubmissions, sub)
}

// DeleteSubmission removes a submission only if it belongs to studentID.
// It returns the number of deleted documents (0 or 1).
func (s *Store) DeleteSubmission(ctx context.Context, id, studentID string) (int, error) {
	sub, err := s.GetSubmission(ctx, id)
	if err != nil {
		return 0, err
	}
	if sub == nil || sub.StudentID != studentID {
		return 0, nil
	}
	ok, err := s.Delete(ctx, CollSubmissions, id)
	if err != nil || !ok {
		return 0, err
	}
	return 1, nil
}

// CountSubmissions returns how many submissions an exam has.
func (s *Store) CountSubmissions(ctx context.Context, examID string) (int, error) {
	docs, err := s.findWhere(ctx, CollSubmissions, fieldEquals("provaId", examID))
	return len(docs), err
}
