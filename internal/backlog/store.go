package backlog

import (
	"context"
	"time"

	"github.com/amoylab/beacon/internal/registry"
)

// Entry is one undelivered message held for a recipient
type Entry struct {
	Recipient  string             `json:"recipient"`
	Envelope   *registry.Envelope `json:"envelope"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	// Seq orders entries of one recipient by enqueue time
	Seq int64 `json:"-"`
}

func (e *Entry) Critical() bool {
	return e.Envelope.Priority.Critical()
}

// Store persists per-recipient backlogs. Recipients are room names such as
// "user:42" or "role:admin".
type Store interface {
	// Enqueue appends env unless the recipient already holds its id, then evicts the
	// oldest non-critical entries while the backlog is above max. It returns evicted ids.
	Enqueue(ctx context.Context, recipient string, env *registry.Envelope, max int, ttl time.Duration) ([]string, error)

	// Pending returns the recipient's entries in enqueue order
	Pending(ctx context.Context, recipient string) ([]*Entry, error)

	// Remove deletes the given ids and returns how many existed
	Remove(ctx context.Context, recipient string, ids ...string) (int, error)

	// PurgeBefore deletes entries enqueued before cutoff across all recipients
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Depth returns the number of entries across all recipients
	Depth(ctx context.Context) (int64, error)

	Close() error
}
