package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/provasonline/provas/internal/model"
)

const authSessionTTL = 24 * time.Hour

// CreateAuthSession creates a new auth session token for a user.
func (s *Store) CreateAuthSession(ctx context.Context, userID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	sess := model.AuthSession{
		ID:        token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(authSessionTTL),
	}
	if err := s.putEntity(ctx, CollSessions, sess); err != nil {
		return "", err
	}
	return token, nil
}

// GetAuthSession returns the auth session for the given token, or nil if not found/expired.
func (s *Store) GetAuthSession(ctx context.Context, token string) (*model.AuthSession, error) {
	var sess model.AuthSession
	err := s.getEntity(ctx, CollSessions, token, &sess)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.DeleteAuthSession(ctx, token)
		return nil, nil
	}
	return &sess, nil
}

// DeleteAuthSession removes a session token.
func (s *Store) DeleteAuthSession(ctx context.Context, token string) error {
	_, err := s.Delete(ctx, CollSessions, token)
	return err
}

// CleanupExpiredSessions removes all expired auth sessions.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int, error) {
	docs, err := s.Find(ctx, CollSessions)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	removed := 0
	for _, d := range docs {
		var sess model.AuthSession
		if err := model.FromDocument(d, &sess); err != nil {
			continue
		}
		if now.After(sess.ExpiresAt) {
			if ok, err := s.Delete(ctx, CollSessions, sess.ID); err != nil {
				return removed, err
			} else if ok {
				removed++
			}
		}
	}
	return removed, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
