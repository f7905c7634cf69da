package store

import (
	"context"
	"fmt"

	"github.com/provasonline/provas/internal/model"
)

// SaveResult inserts or replaces a graded result, assigning an ID if needed.
func (s *Store) SaveResult(ctx context.Context, r *model.Result) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	return s.putEntity(ctx, CollResults, r)
}

// FindResult returns the result of a student for an exam, or nil.
func (s *Store) FindResult(ctx context.Context, examID, studentID string) (*model.Result, error) {
	docs, err := s.findWhere(ctx, CollResults, func(d model.Document) bool {
		return fieldEquals("provaId", examID)(d) && fieldEquals("userId", studentID)(d)
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var r model.Result
	if err := model.FromDocument(docs[0], &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListResultsByExam returns every result of an exam, filling in missing
// student names from the users collection.
func (s *Store) ListResultsByExam(ctx context.Context, examID string) ([]model.Result, error) {
	results, err := s.decodeResults(ctx, fieldEquals("provaId", examID))
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	for i := range results {
		if results[i].StudentName != "" {
			continue
		}
		user, err := s.GetUserByID(ctx, results[i].StudentID)
		if err != nil {
			return nil, fmt.Errorf("get user %s: %w", results[i].StudentID, err)
		}
		if user != nil {
			results[i].StudentName = user.Name
		}
	}
	return results, nil
}

// ListResultsByStudent returns a student's results. With releasedOnly set,
// results whose score has not been released are left out.
func (s *Store) ListResultsByStudent(ctx context.Context, studentID string, releasedOnly bool) ([]model.Result, error) {
	return s.decodeResults(ctx, func(d model.Document) bool {
		if !fieldEquals("userId", studentID)(d) {
			return false
		}
		released, _ := d["notaLiberada"].(bool)
		return released || !releasedOnly
	})
}

// ReleaseScores marks every submission and result of an exam as released
// and returns the number of results affected.
func (s *Store) ReleaseScores(ctx context.Context, examID string) (int, error) {
	for _, coll := range []string{CollSubmissions, CollResults} {
		docs, err := s.findWhere(ctx, coll, fieldEquals("provaId", examID))
		if err != nil {
			return 0, err
		}
		for _, d := range docs {
			d["notaLiberada"] = true
			if err := s.Put(ctx, coll, d); err != nil {
				return 0, fmt.Errorf("release %s %s: %w", coll, d.ID(), err)
			}
		}
		if coll == CollResults {
			return len(docs), nil
		}
	}
	return 0, nil
}

func (s *Store) decodeResults(ctx context.Context, match func(model.Document) bool) ([]model.Result, error) {
	docs, err := s.findWhere(ctx, CollResults, match)
	if err != nil {
		return nil, err
	}
	results := make([]model.Result, 0, len(docs))
	for _, d := range docs {
		var r model.Result
		if err := model.FromDocument(d, &r); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}
