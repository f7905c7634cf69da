// Package syncqueue is a durable, file-backed queue of pending mutations.
// Each item lives in its own JSON file so a crash loses at most the item
// being written.
package syncqueue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/provasonline/provas/internal/model"
)

const (
	filePrefix    = "sync-"
	fileExt       = ".json"
	deadLetterDir = "failed"
)

var (
	// ErrInvalidAction is returned by Enqueue for actions other than
	// create, update or delete.
	ErrInvalidAction = errors.New("invalid sync action")
	// ErrNotFound is returned when a dead-lettered item does not exist.
	ErrNotFound = errors.New("sync item not found")
)

// OnlineState reports the last known reachability of the authoritative server.
type OnlineState interface {
	Online() bool
	LastCheck() time.Time
}

// Queue stores pending items as sync-<id>.json files in a directory and
// moves items that exhausted their attempts into dir/failed.
type Queue struct {
	dir      string
	online   OnlineState
	validate func(collection string) error
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithOnlineState sets the source of the online flag reported by Status.
func WithOnlineState(s OnlineState) Option {
	return func(q *Queue) { q.online = s }
}

// WithCollectionValidator rejects collections at enqueue time.
func WithCollectionValidator(fn func(collection string) error) Option {
	return func(q *Queue) { q.validate = fn }
}

// New creates the queue directory and its dead-letter subdirectory.
func New(dir string, opts ...Option) (*Queue, error) {
	q := &Queue{dir: dir, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	if err := os.MkdirAll(q.DeadLetterDir(), 0755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return q, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// DeadLetterDir returns the directory holding dead-lettered items.
func (q *Queue) DeadLetterDir() string { return filepath.Join(q.dir, deadLetterDir) }

// Enqueue persists a new pending item and returns its id.
func (q *Queue) Enqueue(collection string, action model.Action, payload any) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if q.validate != nil {
		if err := q.validate(collection); err != nil {
			return "", err
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	id, err := newItemID()
	if err != nil {
		return "", err
	}
	item := &model.SyncItem{
		ID:         id,
		Collection: collection,
		Action:     action,
		Data:       data,
		Timestamp:  q.now().UnixMilli(),
		Status:     model.SyncItemPending,
	}
	if err := q.Save(q.pathFor(id), item); err != nil {
		return "", err
	}
	slog.Info("queued sync item", "id", id, "collection", collection, "action", action)
	return id, nil
}

// ListPending returns the paths of all pending item files. Order is
// whatever the directory listing yields; callers sort by timestamp.
func (q *Queue) ListPending() ([]string, error) {
	paths, err := listItems(q.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return paths, nil
}

// listItems returns the sync-*.json files directly inside dir.
func listItems(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}

// Load reads one item file.
func (q *Queue) Load(path string) (*model.SyncItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var item model.SyncItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &item, nil
}

// Save rewrites an item file in place.
func (q *Queue) Save(path string, item *model.SyncItem) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync item: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Remove deletes a delivered item.
func (q *Queue) Remove(path string) error {
	return os.Remove(path)
}

// MoveToDeadLetter moves an item file into the failed/ directory.
func (q *Queue) MoveToDeadLetter(path string) error {
	dest := filepath.Join(q.DeadLetterDir(), filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("dead-letter %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Status reports the pending count and connectivity. It never fails; a
// listing error is reported inside the returned status.
func (q *Queue) Status() model.QueueStatus {
	paths, err := q.ListPending()
	if err != nil {
		return model.QueueStatus{Error: err.Error()}
	}
	st := model.QueueStatus{Pending: len(paths), Online: true}
	if q.online != nil {
		st.Online = q.online.Online()
		st.LastCheck = q.online.LastCheck()
	}
	return st
}

// ListDeadLetter returns the items in failed/, oldest first.
func (q *Queue) ListDeadLetter() ([]model.SyncItem, error) {
	paths, err := listItems(q.DeadLetterDir())
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	items := make([]model.SyncItem, 0, len(paths))
	for _, p := range paths {
		item, err := q.Load(p)
		if err != nil {
			slog.Warn("skipping unreadable dead letter", "file", filepath.Base(p), "error", err)
			continue
		}
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp < items[j].Timestamp })
	return items, nil
}

// Requeue moves a dead-lettered item back into the queue with its attempt
// counter reset.
func (q *Queue) Requeue(id string) error {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return ErrNotFound
	}
	src := filepath.Join(q.DeadLetterDir(), filePrefix+id+fileExt)
	item, err := q.Load(src)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	item.Attempts = 0
	item.LastAttempt = 0
	item.Status = model.SyncItemPending
	if err := q.Save(q.pathFor(id), item); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	slog.Info("requeued sync item", "id", id, "collection", item.Collection)
	return nil
}

func (q *Queue) pathFor(id string) string {
	return filepath.Join(q.dir, filePrefix+id+fileExt)
}

func newItemID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate item id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
