package store

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/provasonline/provas/internal/model"
)

// CreateUser inserts a new user. Emails are unique, compared case-insensitively.
func (s *Store) CreateUser(ctx context.Context, u model.User) (string, error) {
	existing, err := s.GetUserByEmail(ctx, u.Email)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", ErrDuplicate
	}
	if u.ID == "" {
		u.ID = NewID()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.CreatedAt = time.Now()
	if err := s.putEntity(ctx, CollUsers, u); err != nil {
		slog.Error("failed to create user", "email", u.Email, "error", err)
		return "", err
	}
	slog.Info("created user", "id", u.ID, "email", u.Email, "role", u.Role)
	return u.ID, nil
}

// GetUserByEmail returns a user by email, or nil when none matches.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	docs, err := s.findWhere(ctx, CollUsers, fieldEquals("email", strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var u model.User
	if err := model.FromDocument(docs[0], &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by ID, or nil when missing.
func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.getEntity(ctx, CollUsers, id, &u)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	docs, err := s.Find(ctx, CollUsers)
	if err != nil {
		return nil, err
	}
	users := make([]model.User, 0, len(docs))
	for _, d := range docs {
		var u model.User
		if err := model.FromDocument(d, &u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// UserCount returns the total number of users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	docs, err := s.Find(ctx, CollUsers)
	return len(docs), err
}
