package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/amoylab/beacon/internal/common/cnst"
)

// seenCapacity bounds how many message ids a handle remembers for duplicate suppression
const seenCapacity = 4096

// Outcome reports what Deliver did with an envelope
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	// OutcomeDuplicate means the id was already written to this connection
	OutcomeDuplicate
	// OutcomeQueued means the connection is replaying and the envelope waits for EndReplay
	OutcomeQueued
)

// Handle is a registered connection. Writes to one handle are serialized so each
// client observes messages in the order they were handed to Deliver.
type Handle struct {
	conn      Connection
	transport Transport
	state     atomic.Int32
	// extraRooms are joined after admission; guarded by the registry lock
	extraRooms []string

	mu        sync.Mutex
	seen      *seenSet
	replaying bool
	pending   []*Envelope
}

func newHandle(conn Connection, t Transport) *Handle {
	h := &Handle{conn: conn, transport: t, seen: newSeenSet(seenCapacity)}
	h.state.Store(int32(StateAdmitted))
	return h
}

func (h *Handle) ID() string { return h.conn.ID }

// Connection returns a copy of the metadata recorded at admission
func (h *Handle) Connection() Connection {
	c := h.conn
	c.Rooms = append([]string(nil), h.conn.Rooms...)
	return c
}

func (h *Handle) State() State { return State(h.state.Load()) }

// Closed reports whether the handle has left the registry
func (h *Handle) Closed() bool { return h.State() == StateClosed }

// Deliver writes env unless it was already written to this connection. While the
// handle is replaying, live envelopes are queued behind the replay.
func (h *Handle) Deliver(ctx context.Context, env *Envelope) (Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Closed() {
		return OutcomeDelivered, cnst.ErrConnectionClosed
	}
	if h.seen.has(env.MessageID) {
		return OutcomeDuplicate, nil
	}
	if h.replaying {
		h.pending = append(h.pending, env)
		return OutcomeQueued, nil
	}
	return h.writeLocked(ctx, env)
}

// BeginReplay switches the handle to replay mode; it is a no-op on a handle
// admitted with AdmitReplaying
func (h *Handle) BeginReplay() {
	h.mu.Lock()
	h.replaying = true
	h.mu.Unlock()
}

// DeliverReplay writes a backlog envelope ahead of any queued live envelopes
func (h *Handle) DeliverReplay(ctx context.Context, env *Envelope) (Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Closed() {
		return OutcomeDelivered, cnst.ErrConnectionClosed
	}
	if h.seen.has(env.MessageID) {
		return OutcomeDuplicate, nil
	}
	return h.writeLocked(ctx, env)
}

// EndReplay flushes the live envelopes queued during replay in arrival order and
// marks the connection active. On a write failure the unsent envelopes are returned
// so the caller can persist them.
func (h *Handle) EndReplay(ctx context.Context) ([]*Envelope, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	queued := h.pending
	h.pending = nil
	h.replaying = false

	for i, env := range queued {
		if h.Closed() {
			return queued[i:], cnst.ErrConnectionClosed
		}
		if h.seen.has(env.MessageID) {
			continue
		}
		if _, err := h.writeLocked(ctx, env); err != nil {
			return queued[i:], err
		}
	}
	h.state.CompareAndSwap(int32(StateAdmitted), int32(StateActive))
	return nil, nil
}

// Activate marks an admitted handle active without a replay
func (h *Handle) Activate() {
	h.state.CompareAndSwap(int32(StateAdmitted), int32(StateActive))
}

// writeLocked labels every transport error ErrTransportWrite, except a caller
// context that ended, which says nothing about the connection
func (h *Handle) writeLocked(ctx context.Context, env *Envelope) (Outcome, error) {
	if err := h.transport.Send(ctx, env); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return OutcomeDelivered, err
		}
		return OutcomeDelivered, fmt.Errorf("%w: %v", cnst.ErrTransportWrite, err)
	}
	h.seen.add(env.MessageID)
	return OutcomeDelivered, nil
}

// close marks the handle closed and closes its transport once
func (h *Handle) close(code int, reason string) bool {
	for {
		cur := h.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if h.state.CompareAndSwap(cur, int32(StateClosed)) {
			break
		}
	}
	_ = h.transport.Close(code, reason)
	return true
}

// seenSet is a fixed capacity set that forgets the oldest ids first
type seenSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, capacity), ring: make([]string, capacity)}
}

func (s *seenSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) add(id string) {
	if s.has(id) {
		return
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
}
