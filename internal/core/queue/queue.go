// Package queue implements the durable local mutation queue: every offline (or
// durability-backstopped) create/update/delete is stored here until the sync
// driver confirms it against the persistence API. The store survives process
// restarts and preserves enqueue order per document so replay stays causal.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrEntryNotFound is returned when an entry id does not exist.
var ErrEntryNotFound = errors.New("queue entry not found")

// Action is the kind of pending mutation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Status is the replay state of an entry. There is no in-progress status: an
// entry is pending until it either succeeds (and is removed) or fails.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Entry is one pending local mutation. DisplayTitle and DisplayDescription are
// human-readable context for a sync drawer UI and never drive logic.
type Entry struct {
	ID                 string          `json:"id"`
	Action             Action          `json:"action"`
	TargetCollection   string          `json:"targetCollection"`
	DocumentID         string          `json:"documentId"`
	Payload            json.RawMessage `json:"payload"`
	EnqueuedAt         time.Time       `json:"enqueuedAt"`
	Status             Status          `json:"status"`
	RetryCount         int             `json:"retryCount"`
	LastError          string          `json:"lastError,omitempty"`
	DisplayTitle       string          `json:"displayTitle,omitempty"`
	DisplayDescription string          `json:"displayDescription,omitempty"`
}

// EntryUpdate is a partial update applied by Update. Nil fields are left
// untouched; a pointer to the zero value clears the column.
type EntryUpdate struct {
	Status     *Status
	RetryCount *int
	LastError  *string
}

// Repository describes the durable queue operations. Enqueue never consults
// network state; tolerating being offline is the queue's whole purpose.
type Repository interface {
	// Enqueue persists a new entry and returns its id. The id, enqueue time
	// and pending status are assigned here.
	Enqueue(ctx context.Context, entry *Entry) (string, error)

	// Get returns an entry by id, or ErrEntryNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// ListAll returns every entry ordered by enqueue time ascending.
	ListAll(ctx context.Context) ([]Entry, error)

	// ListByStatus returns entries with the given status, ordered by enqueue
	// time ascending.
	ListByStatus(ctx context.Context, status Status) ([]Entry, error)

	// Update applies a partial update to an entry.
	Update(ctx context.Context, id string, update EntryUpdate) error

	// Remove deletes an entry, typically after confirmed success.
	Remove(ctx context.Context, id string) error

	// Clear deletes every entry.
	Clear(ctx context.Context) error
}
