package syncqueue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/provasonline/provas/internal/model"
)

type fakeOnline struct {
	online bool
	last   time.Time
}

func (f fakeOnline) Online() bool         { return f.online }
func (f fakeOnline) LastCheck() time.Time { return f.last }

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	q, err := New(filepath.Join(t.TempDir(), "sync-queue"), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestEnqueueWritesPendingFile(t *testing.T) {
	q := newTestQueue(t)
	before := time.Now().UnixMilli()

	id, err := q.Enqueue("respostas", model.ActionCreate, map[string]any{"provaId": "p1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(id) {
		t.Errorf("id %q is not 16 hex chars", id)
	}

	path := filepath.Join(q.Dir(), "sync-"+id+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read item: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	for _, key := range []string{"id", "collection", "action", "data", "timestamp", "attempts", "status"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing field %q", key)
		}
	}
	if _, ok := fields["lastAttempt"]; ok {
		t.Error("lastAttempt should be absent before the first attempt")
	}

	item, err := q.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if item.Attempts != 0 || item.Status != model.SyncItemPending || item.Collection != "respostas" {
		t.Errorf("unexpected item %+v", item)
	}
	if item.Timestamp < before {
		t.Errorf("timestamp %d before enqueue start %d", item.Timestamp, before)
	}
	if string(item.Data) != `{"provaId":"p1"}` {
		t.Errorf("unexpected data %s", item.Data)
	}
}

func TestEnqueueRejects(t *testing.T) {
	errUnsupported := errors.New("unsupported")
	q := newTestQueue(t, WithCollectionValidator(func(c string) error {
		if c != "respostas" {
			return errUnsupported
		}
		return nil
	}))

	tests := []struct {
		name       string
		collection string
		action     model.Action
		wantErr    error
	}{
		{"bad action", "respostas", "upsert", ErrInvalidAction},
		{"bad collection", "provas", model.ActionCreate, errUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(tt.collection, tt.action, map[string]any{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if paths, _ := q.ListPending(); len(paths) != 0 {
		t.Errorf("rejected items must not be written, found %d", len(paths))
	}
}

func TestEnqueueWriteFailure(t *testing.T) {
	q := newTestQueue(t)
	if err := os.RemoveAll(q.Dir()); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("respostas", model.ActionCreate, map[string]any{}); err == nil {
		t.Error("expected write error")
	}
}

func TestStatus(t *testing.T) {
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, WithOnlineState(fakeOnline{online: false, last: last}))

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue("respostas", model.ActionCreate, map[string]any{}); err != nil {
			t.Fatal(err)
		}
	}
	st := q.Status()
	if st.Pending != 3 || st.Online || !st.LastCheck.Equal(last) || st.Error != "" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestStatusReportsListingError(t *testing.T) {
	q := newTestQueue(t, WithOnlineState(fakeOnline{online: true}))
	if err := os.RemoveAll(q.Dir()); err != nil {
		t.Fatal(err)
	}
	if _, err := q.ListPending(); err == nil {
		t.Error("ListPending should fail when the queue dir is gone")
	}
	st := q.Status()
	if st.Error == "" || st.Pending != 0 || st.Online {
		t.Errorf("expected degraded status, got %+v", st)
	}
}

func TestListIgnoresPatternCharsInDir(t *testing.T) {
	for _, name := range []string{"data[1]", "data[x", "data*?"} {
		t.Run(name, func(t *testing.T) {
			q, err := New(filepath.Join(t.TempDir(), name, "sync-queue"))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			id, err := q.Enqueue("respostas", model.ActionCreate, map[string]any{})
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if err := os.WriteFile(filepath.Join(q.Dir(), "notes.txt"), []byte("x"), 0644); err != nil {
				t.Fatal(err)
			}
			paths, err := q.ListPending()
			if err != nil {
				t.Fatalf("ListPending: %v", err)
			}
			if len(paths) != 1 || filepath.Base(paths[0]) != "sync-"+id+".json" {
				t.Fatalf("ListPending = %v", paths)
			}
			if st := q.Status(); st.Pending != 1 || st.Error != "" {
				t.Errorf("unexpected status %+v", st)
			}
			if err := q.MoveToDeadLetter(paths[0]); err != nil {
				t.Fatal(err)
			}
			dead, err := q.ListDeadLetter()
			if err != nil || len(dead) != 1 || dead[0].ID != id {
				t.Errorf("ListDeadLetter = %v, %v", dead, err)
			}
		})
	}
}

func TestDeadLetterAndRequeue(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Enqueue("respostas", model.ActionCreate, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(q.Dir(), "sync-"+id+".json")
	item, _ := q.Load(path)
	item.Attempts = 5
	item.LastAttempt = time.Now().UnixMilli()
	if err := q.Save(path, item); err != nil {
		t.Fatal(err)
	}

	if err := q.MoveToDeadLetter(path); err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}
	if paths, _ := q.ListPending(); len(paths) != 0 {
		t.Errorf("expected empty queue, got %v", paths)
	}
	dead, err := q.ListDeadLetter()
	if err != nil || len(dead) != 1 || dead[0].ID != id {
		t.Fatalf("ListDeadLetter: %v %v", dead, err)
	}

	if err := q.Requeue("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := q.Requeue("../x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for traversal, got %v", err)
	}
	if err := q.Requeue(id); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	item, err = q.Load(path)
	if err != nil {
		t.Fatalf("Load requeued: %v", err)
	}
	if item.Attempts != 0 || item.LastAttempt != 0 {
		t.Errorf("attempts not reset: %+v", item)
	}
	if dead, _ := q.ListDeadLetter(); len(dead) != 0 {
		t.Errorf("dead letter should be empty, got %d", len(dead))
	}
}
