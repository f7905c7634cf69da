// Package backup writes full JSON snapshots of the data store, prunes old
// ones and restores a snapshot back into the store.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/provasonline/provas/internal/model"
)

const (
	DefaultKeepBackups   = 7
	DefaultKeepSummaries = 30

	backupPrefix  = "backup-"
	summaryPrefix = "summary-"
	fileExt       = ".json"

	// stampLayout is an ISO-8601 UTC timestamp with millisecond precision.
	stampLayout = "2006-01-02T15:04:05.000Z"
)

// DefaultCollections are the collections included in a snapshot.
var DefaultCollections = []string{"provas", "alunos", "respostas", "turmas", "usuarios"}

// ErrBackupNotFound is returned when a backup file does not exist or its
// name is not a backup file name.
var ErrBackupNotFound = errors.New("backup not found")

// Source is the part of the data store the engine reads and rewrites.
type Source interface {
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, name string) error
	Find(ctx context.Context, collection string) ([]model.Document, error)
	DeleteAll(ctx context.Context, collection string) (int, error)
	InsertMany(ctx context.Context, collection string, docs []model.Document) error
}

// Uploader copies a finished backup file offsite.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) error
}

// Config holds Engine settings. Zero values select the defaults.
type Config struct {
	Dir           string
	Collections   []string
	KeepBackups   int
	KeepSummaries int
	Uploader      Uploader
	Logger        *slog.Logger
}

// Engine produces and restores snapshots.
type Engine struct {
	src           Source
	dir           string
	collections   map[string]bool
	keepBackups   int
	keepSummaries int
	uploader      Uploader
	logger        *slog.Logger
	now           func() time.Time
}

// New creates an Engine and its backup directory.
func New(src Source, cfg Config) (*Engine, error) {
	if len(cfg.Collections) == 0 {
		cfg.Collections = DefaultCollections
	}
	if cfg.KeepBackups <= 0 {
		cfg.KeepBackups = DefaultKeepBackups
	}
	if cfg.KeepSummaries <= 0 {
		cfg.KeepSummaries = DefaultKeepSummaries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	allow := make(map[string]bool, len(cfg.Collections))
	for _, c := range cfg.Collections {
		allow[c] = true
	}
	return &Engine{
		src:           src,
		dir:           cfg.Dir,
		collections:   allow,
		keepBackups:   cfg.KeepBackups,
		keepSummaries: cfg.KeepSummaries,
		uploader:      cfg.Uploader,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

// Dir returns the backup directory.
func (e *Engine) Dir() string { return e.dir }

// Result describes a completed backup.
type Result struct {
	File    string              `json:"file"`
	Summary model.BackupSummary `json:"summary"`
}

// Backup snapshots every allow-listed collection into backup-<ts>.json and
// writes the per-collection counts into summary-<ts>.json. A collection
// that cannot be read is logged and left out of the snapshot.
func (e *Engine) Backup(ctx context.Context) (*Result, error) {
	names, err := e.src.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}

	now := e.now().UTC()
	snap := model.BackupSnapshot{
		Timestamp:   now,
		Collections: make(map[string][]model.Document),
	}
	for _, name := range names {
		if !e.collections[name] {
			continue
		}
		docs, err := e.src.Find(ctx, name)
		if err != nil {
			e.logger.Warn("skipping collection in backup", "collection", name, "error", err)
			continue
		}
		if docs == nil {
			docs = []model.Document{}
		}
		snap.Collections[name] = docs
		e.logger.Debug("collection captured", "collection", name, "documents", len(docs))
	}

	summary := model.BackupSummary{Timestamp: now, Counts: make(map[string]int, len(snap.Collections))}
	for name, docs := range snap.Collections {
		summary.Counts[name] = len(docs)
	}

	stamp := fileStamp(now)
	backupFile := filepath.Join(e.dir, backupPrefix+stamp+fileExt)
	if err := writeJSON(backupFile, snap); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(e.dir, summaryPrefix+stamp+fileExt), summary); err != nil {
		return nil, err
	}
	e.logger.Info("backup saved", "file", backupFile, "counts", summary.Counts)

	if err := e.CleanOldBackups(); err != nil {
		e.logger.Error("cleaning old backups", "error", err)
	}
	if e.uploader != nil {
		if err := e.upload(ctx, backupFile); err != nil {
			e.logger.Error("offsite upload failed", "file", filepath.Base(backupFile), "error", err)
		}
	}
	return &Result{File: backupFile, Summary: summary}, nil
}

func (e *Engine) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.uploader.Upload(ctx, filepath.Base(path), f)
}

// fileStamp renders t the way file names carry it: ISO-8601 with ':' and
// '.' replaced by '-'.
func fileStamp(t time.Time) string {
	return strings.NewReplacer(":", "-", ".", "-").Replace(t.UTC().Format(stampLayout))
}

func parseFileStamp(name string) (time.Time, bool) {
	s := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), fileExt)
	// 2006-01-02T15-04-05-000Z
	if len(s) != len(stampLayout) {
		return time.Time{}, false
	}
	b := []byte(s)
	b[13], b[16], b[19] = ':', ':', '.'
	t, err := time.Parse(stampLayout, string(b))
	return t, err == nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

type fileEntry struct {
	name    string
	size    int64
	modTime time.Time
}

// files returns prefix-*.json files in the backup dir, newest first by mtime.
func (e *Engine) files(prefix string) ([]fileEntry, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, err
	}
	var out []fileEntry
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{name: name, size: info.Size(), modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].modTime.After(out[j].modTime) })
	return out, nil
}

// CleanOldBackups keeps the newest full backups and summaries by
// modification time and deletes the rest.
func (e *Engine) CleanOldBackups() error {
	var errs []error
	for _, r := range []struct {
		prefix string
		keep   int
	}{
		{backupPrefix, e.keepBackups},
		{summaryPrefix, e.keepSummaries},
	} {
		files, err := e.files(r.prefix)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(files) <= r.keep {
			continue
		}
		for _, f := range files[r.keep:] {
			if err := os.Remove(filepath.Join(e.dir, f.name)); err != nil {
				errs = append(errs, err)
				continue
			}
			e.logger.Info("removed old backup file", "file", f.name)
		}
	}
	return errors.Join(errs...)
}

// ListBackups describes the full backups on disk, newest first.
func (e *Engine) ListBackups() ([]model.BackupInfo, error) {
	files, err := e.files(backupPrefix)
	if errors.Is(err, os.ErrNotExist) {
		return []model.BackupInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	out := make([]model.BackupInfo, 0, len(files))
	for _, f := range files {
		created, ok := parseFileStamp(f.name)
		if !ok {
			created = f.modTime
		}
		out = append(out, model.BackupInfo{
			Name:     f.name,
			Size:     fmt.Sprintf("%.2f MB", float64(f.size)/1024/1024),
			Modified: f.modTime,
			Created:  created,
		})
	}
	return out, nil
}

// ResolvePath maps a backup file name to its path inside the backup dir.
// Names with path separators or without the backup-*.json shape are rejected.
func (e *Engine) ResolvePath(name string) (string, error) {
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) ||
		!strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, fileExt) {
		return "", fmt.Errorf("%w: %q", ErrBackupNotFound, name)
	}
	path := filepath.Join(e.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %q", ErrBackupNotFound, name)
	}
	return path, nil
}

// RestoreReport lists the outcome of every collection in a snapshot.
type RestoreReport struct {
	Timestamp   time.Time                 `json:"timestamp"`
	Collections []model.CollectionRestore `json:"collections"`
}

// Complete reports whether every collection was restored.
func (r *RestoreReport) Complete() bool {
	for _, c := range r.Collections {
		if !c.OK {
			return false
		}
	}
	return true
}

// Restore replaces the contents of every collection in the snapshot at
// path. A failing collection is recorded in the report and does not stop
// the others; only an unreadable snapshot is returned as an error.
func (e *Engine) Restore(ctx context.Context, path string) (*RestoreReport, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	var snap model.BackupSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}

	existing, err := e.src.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}

	names := make([]string, 0, len(snap.Collections))
	for name := range snap.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	e.logger.Info("restoring backup", "file", filepath.Base(path), "timestamp", snap.Timestamp)
	report := &RestoreReport{Timestamp: snap.Timestamp}
	for _, name := range names {
		docs := snap.Collections[name]
		res := model.CollectionRestore{Collection: name, Documents: len(docs)}
		if err := e.restoreCollection(ctx, name, docs, have[name]); err != nil {
			res.Error = err.Error()
			e.logger.Error("restoring collection", "collection", name, "error", err)
		} else {
			res.OK = true
			e.logger.Info("collection restored", "collection", name, "documents", len(docs))
		}
		report.Collections = append(report.Collections, res)
	}
	return report, nil
}

func (e *Engine) restoreCollection(ctx context.Context, name string, docs []model.Document, exists bool) error {
	if !exists {
		if err := e.src.CreateCollection(ctx, name); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}
	if _, err := e.src.DeleteAll(ctx, name); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	if len(docs) == 0 {
		return nil
	}
	if err := e.src.InsertMany(ctx, name, docs); err != nil {
		return fmt.Errorf("insert documents: %w", err)
	}
	return nil
}
