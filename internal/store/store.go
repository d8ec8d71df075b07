// Package store defines the page store consumed by the request dispatcher,
// along with its SQLite and file-backed implementations.
//
// A store holds full page snapshots keyed by page ID. Writes always carry the
// complete content of a page, never a delta, so re-applying a write is
// harmless. The dispatcher does not care which implementation it talks to.
package store

import (
	"context"
	"errors"
	"time"
)

// OpKind classifies an operation submitted to the store.
type OpKind int

const (
	// OpRead requests the current snapshot of a page.
	OpRead OpKind = iota
	// OpWrite persists a full page snapshot.
	OpWrite
)

// String returns a human-readable representation of the kind.
func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Op is a single store operation. It is owned by the caller until submitted
// and consumed exactly once.
type Op struct {
	// Kind is the operation type (read or write).
	Kind OpKind
	// Target is the page ID the operation addresses.
	Target string
	// Payload is the full page snapshot for writes; empty for reads.
	Payload []byte
	// Title is the page title carried alongside write payloads.
	Title string
	// IssuedAt records when the caller created the operation.
	IssuedAt time.Time
}

// Result is the outcome of a read operation.
type Result struct {
	// Target is the page ID the result belongs to.
	Target string
	// Title is the stored page title.
	Title string
	// Content is the stored page snapshot.
	Content []byte
	// Revision counts successful writes to the page.
	Revision int64
	// UpdatedAt is the time of the last successful write.
	UpdatedAt time.Time
}

// ErrNotFound is returned by Read when the target page does not exist.
var ErrNotFound = errors.New("page not found")

// PageStore is the synchronous store adapter used by the dispatcher.
// Implementations must be safe for concurrent use.
type PageStore interface {
	// Read returns the current snapshot of op.Target.
	Read(ctx context.Context, op Op) (Result, error)

	// Write persists op.Payload as the new snapshot of op.Target.
	// Writes are idempotent: re-sending the same snapshot is harmless.
	Write(ctx context.Context, op Op) error

	// List returns summaries of all stored pages, ordered by ID.
	List(ctx context.Context) ([]PageInfo, error)

	// Close releases the store's resources.
	Close() error
}

// PageInfo is a lightweight page summary used for listings.
type PageInfo struct {
	ID        string
	Title     string
	Revision  int64
	UpdatedAt time.Time
}
