// Package collection applies synced create/update/delete operations to the
// data store, one Handler per collection.
package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/provasonline/provas/internal/model"
)

var (
	// ErrUnsupported is returned for collections or actions without a handler.
	ErrUnsupported = errors.New("not supported for sync")
	// ErrForbidden is returned when the actor does not own the target record.
	ErrForbidden = errors.New("not allowed to modify this record")
	// ErrNotFound is returned when the target record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidPayload is returned when the payload cannot be used.
	ErrInvalidPayload = errors.New("invalid sync payload")
)

// Outcome describes what a handler did.
type Outcome struct {
	Type  model.Action `json:"tipo"`
	ID    string       `json:"id,omitempty"`
	Count *int         `json:"count,omitempty"`
}

// Handler applies the three sync actions for one collection. The actor is
// the authenticated caller.
type Handler interface {
	Create(ctx context.Context, actor *model.User, data json.RawMessage) (Outcome, error)
	Update(ctx context.Context, actor *model.User, data json.RawMessage) (Outcome, error)
	Delete(ctx context.Context, actor *model.User, data json.RawMessage) (Outcome, error)
}

// Registry maps collection names to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs h for collection, replacing any previous handler.
func (r *Registry) Register(collection string, h Handler) {
	r.handlers[collection] = h
}

// Supported reports whether collection has a handler.
func (r *Registry) Supported(collection string) bool {
	_, ok := r.handlers[collection]
	return ok
}

// Validate returns ErrUnsupported for collections without a handler.
func (r *Registry) Validate(collection string) error {
	if !r.Supported(collection) {
		return fmt.Errorf("collection %q: %w", collection, ErrUnsupported)
	}
	return nil
}

// Names is a fixed set of syncable collection names. Processes that queue
// or deliver items without applying them use it in place of a Registry.
type Names []string

// Supported reports whether collection is in the set.
func (n Names) Supported(collection string) bool {
	return slices.Contains(n, collection)
}

// Validate returns ErrUnsupported for collections outside the set.
func (n Names) Validate(collection string) error {
	if !n.Supported(collection) {
		return fmt.Errorf("collection %q: %w", collection, ErrUnsupported)
	}
	return nil
}

// Collections returns the registered collection names, sorted.
func (r *Registry) Collections() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply dispatches action on collection to its handler.
func (r *Registry) Apply(ctx context.Context, collection string, action model.Action, actor *model.User, data json.RawMessage) (Outcome, error) {
	h, ok := r.handlers[collection]
	if !ok {
		return Outcome{}, fmt.Errorf("collection %q: %w", collection, ErrUnsupported)
	}
	switch action {
	case model.ActionCreate:
		return h.Create(ctx, actor, data)
	case model.ActionUpdate:
		return h.Update(ctx, actor, data)
	case model.ActionDelete:
		return h.Delete(ctx, actor, data)
	}
	return Outcome{}, fmt.Errorf("action %q: %w", action, ErrUnsupported)
}
