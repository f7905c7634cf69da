// Package dispatch delivers queued sync items to the authoritative server.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danjacques/gofslock/fslock"

	"github.com/provasonline/provas/internal/model"
	"github.com/provasonline/provas/internal/syncqueue"
)

const (
	DefaultMaxAttempts = 5
	DefaultTimeout     = 10 * time.Second

	lockFile = ".drain.lock"
)

// ErrUnsupportedCollection is returned for items whose collection has no
// server-side handler. Such items are left untouched in the queue.
var ErrUnsupportedCollection = errors.New("unsupported sync collection")

// OnlineState reports whether the authoritative server is reachable.
type OnlineState interface {
	Online() bool
}

// Outcome is what happened to a single item during processing.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeDelivered
	OutcomeFailed
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeadLettered:
		return "dead-lettered"
	}
	return "skipped"
}

// DrainReport counts the outcomes of one drain.
type DrainReport struct {
	Processed    int `json:"processed"`
	Delivered    int `json:"delivered"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"deadLettered"`
	Skipped      int `json:"skipped"`
}

func (r *DrainReport) add(o Outcome) {
	r.Processed++
	switch o {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeFailed:
		r.Failed++
	case OutcomeDeadLettered:
		r.DeadLettered++
	default:
		r.Skipped++
	}
}

// Config holds Dispatcher settings.
type Config struct {
	// BaseURL of the authoritative server; items go to {BaseURL}/api/sync/{collection}.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token       string
	Timeout     time.Duration
	MaxAttempts int
	// Supported reports whether a collection can be delivered. Nil accepts all.
	Supported func(collection string) bool
	// OnDeadLetter is called after an item has been moved to failed/.
	OnDeadLetter func(model.SyncItem)
	Logger       *slog.Logger
}

// Dispatcher drains a Queue.
type Dispatcher struct {
	queue  *syncqueue.Queue
	online OnlineState
	cfg    Config
	client *http.Client
	logger *slog.Logger

	// mu keeps drains within this process sequential; the lock file does
	// the same across processes sharing the queue directory.
	mu sync.Mutex
}

// New creates a Dispatcher.
func New(q *syncqueue.Queue, online OnlineState, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Dispatcher{
		queue:  q,
		online: online,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}
}

// Drain processes every pending item once, oldest first. It does nothing
// while offline or while another drain holds the queue.
func (d *Dispatcher) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	if d.online != nil && !d.online.Online() {
		d.logger.Debug("offline, drain skipped")
		return report, nil
	}
	if !d.mu.TryLock() {
		d.logger.Debug("drain already running")
		return report, nil
	}
	defer d.mu.Unlock()

	err := fslock.With(filepath.Join(d.queue.Dir(), lockFile), func() error {
		var err error
		report, err = d.drainLocked(ctx)
		return err
	})
	if errors.Is(err, fslock.ErrLockHeld) {
		d.logger.Info("queue locked by another process, drain skipped")
		return report, nil
	}
	return report, err
}

type pendingItem struct {
	path string
	item *model.SyncItem
}

func (d *Dispatcher) drainLocked(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	paths, err := d.queue.ListPending()
	if err != nil {
		return report, err
	}
	if len(paths) == 0 {
		return report, nil
	}

	items := make([]pendingItem, 0, len(paths))
	for _, p := range paths {
		it, err := d.queue.Load(p)
		if err != nil {
			d.logger.Error("unreadable sync item", "file", filepath.Base(p), "error", err)
			report.add(OutcomeSkipped)
			continue
		}
		items = append(items, pendingItem{path: p, item: it})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].item.Timestamp < items[j].item.Timestamp
	})

	d.logger.Info("draining sync queue", "items", len(items))
	for _, p := range items {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		outcome, err := d.process(ctx, p.path, p.item)
		if err != nil {
			d.logger.Warn("sync item not delivered",
				"id", p.item.ID, "collection", p.item.Collection,
				"outcome", outcome, "error", err)
		}
		report.add(outcome)
	}
	d.logger.Info("drain finished",
		"delivered", report.Delivered, "failed", report.Failed,
		"dead_lettered", report.DeadLettered, "skipped", report.Skipped)
	return report, nil
}

// ProcessItem makes one delivery attempt for the item stored at path.
func (d *Dispatcher) ProcessItem(ctx context.Context, path string) (Outcome, error) {
	item, err := d.queue.Load(path)
	if err != nil {
		return OutcomeSkipped, err
	}
	return d.process(ctx, path, item)
}

func (d *Dispatcher) process(ctx context.Context, path string, item *model.SyncItem) (Outcome, error) {
	if item.Attempts >= d.cfg.MaxAttempts {
		if err := d.queue.MoveToDeadLetter(path); err != nil {
			return OutcomeSkipped, err
		}
		d.logger.Warn("sync item exceeded attempts, moved to failed",
			"id", item.ID, "collection", item.Collection, "attempts", item.Attempts)
		if d.cfg.OnDeadLetter != nil {
			d.cfg.OnDeadLetter(*item)
		}
		return OutcomeDeadLettered, nil
	}
	if d.cfg.Supported != nil && !d.cfg.Supported(item.Collection) {
		return OutcomeSkipped, fmt.Errorf("%w: %s", ErrUnsupportedCollection, item.Collection)
	}

	item.Attempts++
	item.LastAttempt = time.Now().UnixMilli()

	if err := d.send(ctx, item); err != nil {
		if serr := d.queue.Save(path, item); serr != nil {
			return OutcomeFailed, errors.Join(err, serr)
		}
		d.logger.Info("sync attempt failed",
			"id", item.ID, "attempt", item.Attempts, "max", d.cfg.MaxAttempts)
		return OutcomeFailed, err
	}
	if err := d.queue.Remove(path); err != nil {
		return OutcomeDelivered, fmt.Errorf("remove delivered item: %w", err)
	}
	d.logger.Info("synced", "id", item.ID, "collection", item.Collection, "action", item.Action)
	return OutcomeDelivered, nil
}

func (d *Dispatcher) send(ctx context.Context, item *model.SyncItem) error {
	body, err := json.Marshal(model.SyncRequest{
		Action: item.Action,
		Data:   item.Data,
		SyncID: item.ID,
	})
	if err != nil {
		return fmt.Errorf("encode sync request: %w", err)
	}
	url := d.cfg.BaseURL + "/api/sync/" + item.Collection
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", item.Collection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", item.Collection, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
