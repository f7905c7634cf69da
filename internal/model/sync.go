package model

import (
	"encoding/json"
	"time"
)

// Action is the kind of mutation a queued item carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of create, update or delete.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// SyncItemPending is the only status ever written to a queue file. Terminal
// states are expressed by the file's location (deleted or under failed/).
const SyncItemPending = "pending"

// SyncItem is one pending create/update/delete awaiting delivery to the
// authoritative server. Timestamps are Unix milliseconds.
type SyncItem struct {
	ID          string          `json:"id"`
	Collection  string          `json:"collection"`
	Action      Action          `json:"action"`
	Data        json.RawMessage `json:"data"`
	Timestamp   int64           `json:"timestamp"`
	Attempts    int             `json:"attempts"`
	LastAttempt int64           `json:"lastAttempt,omitempty"`
	Status      string          `json:"status"`
}

// EnqueuedAt returns the enqueue time.
func (it *SyncItem) EnqueuedAt() time.Time {
	return time.UnixMilli(it.Timestamp)
}

// SyncRequest is the body POSTed to /api/sync/{collection}.
type SyncRequest struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
	SyncID string          `json:"syncId"`
}

// QueueStatus is the lightweight introspection view of the sync queue.
type QueueStatus struct {
	Pending   int       `json:"pending"`
	Online    bool      `json:"online"`
	LastCheck time.Time `json:"lastCheck"`
	Error     string    `json:"error,omitempty"`
}

// Document is a schemaless record of a data-store collection. The "_id"
// key holds the store identifier.
type Document map[string]any

// ID returns the document identifier, or "" when absent.
func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// ToDocument converts a typed entity into a Document via its JSON form.
func ToDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromDocument decodes a Document into a typed entity.
func FromDocument(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
