package backlog

import (
	"context"
	"sync"
	"time"

	"github.com/amoylab/beacon/internal/registry"
)

type memoryQueue struct {
	seq     int64
	entries []*Entry
}

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[string]*memoryQueue)}
}

// Enqueue implements Store.Enqueue. ttl is enforced by PurgeBefore.
func (s *MemoryStore) Enqueue(_ context.Context, recipient string, env *registry.Envelope, max int, _ time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[recipient]
	if !ok {
		q = &memoryQueue{}
		s.queues[recipient] = q
	}
	for _, e := range q.entries {
		if e.Envelope.MessageID == env.MessageID {
			return nil, nil
		}
	}
	q.seq++
	q.entries = append(q.entries, &Entry{
		Recipient:  recipient,
		Envelope:   env,
		EnqueuedAt: time.Now(),
		Seq:        q.seq,
	})

	var evicted []string
	for max > 0 && len(q.entries) > max {
		idx := -1
		for i, e := range q.entries {
			if !e.Critical() {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		evicted = append(evicted, q.entries[idx].Envelope.MessageID)
		q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	}
	return evicted, nil
}

// Pending implements Store.Pending
func (s *MemoryStore) Pending(_ context.Context, recipient string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[recipient]
	if !ok {
		return nil, nil
	}
	out := make([]*Entry, len(q.entries))
	for i, e := range q.entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Remove implements Store.Remove
func (s *MemoryStore) Remove(_ context.Context, recipient string, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[recipient]
	if !ok {
		return 0, nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if _, ok := drop[e.Envelope.MessageID]; ok {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if len(q.entries) == 0 {
		delete(s.queues, recipient)
	}
	return removed, nil
}

// PurgeBefore implements Store.PurgeBefore
func (s *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for r, q := range s.queues {
		kept := q.entries[:0]
		for _, e := range q.entries {
			if e.EnqueuedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		q.entries = kept
		if len(q.entries) == 0 {
			delete(s.queues, r)
		}
	}
	return removed, nil
}

// Depth implements Store.Depth
func (s *MemoryStore) Depth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, q := range s.queues {
		n += int64(len(q.entries))
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
