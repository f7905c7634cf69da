package store

import (
	"context"
	"time"

	"github.com/provasonline/provas/internal/model"
)

// Metadata keys recorded by background jobs.
const (
	MetaLastBackupAt   = "last_backup_at"
	MetaLastBackupFile = "last_backup_file"
)

// SetMetadata upserts a key-value pair in the metadata collection.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	return s.Put(ctx, CollMetadata, model.Document{
		"_id":       key,
		"value":     value,
		"updatedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	doc, err := s.Get(ctx, CollMetadata, key)
	if err == ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v, _ := doc["value"].(string)
	return v, nil
}

// RecordBackup stores the time and file name of the latest backup.
func (s *Store) RecordBackup(ctx context.Context, file string, at time.Time) error {
	if err := s.SetMetadata(ctx, MetaLastBackupAt, at.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return s.SetMetadata(ctx, MetaLastBackupFile, file)
}
