package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/pkg/metrics"
)

// Registry tracks live push connections and their room memberships.
// Every mutation runs under one lock, so operations on a connection id are linearizable.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	conns     map[string]*Handle
	rooms     map[string]map[string]*Handle
	bySession map[string]map[string]*Handle
}

func New(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		logger:    logger.Named("registry"),
		metrics:   m,
		conns:     make(map[string]*Handle),
		rooms:     make(map[string]map[string]*Handle),
		bySession: make(map[string]map[string]*Handle),
	}
}

// Admit registers a connection and joins its user room. Admins on the admin
// namespace also join the admin role room.
func (r *Registry) Admit(conn Connection, t Transport) (*Handle, error) {
	return r.admit(conn, t, false)
}

// AdmitReplaying is Admit for a connection whose backlog is replayed next. The
// handle is visible to publishers already in replay mode, so live envelopes
// queue behind the backlog until EndReplay.
func (r *Registry) AdmitReplaying(conn Connection, t Transport) (*Handle, error) {
	return r.admit(conn, t, true)
}

func (r *Registry) admit(conn Connection, t Transport, replaying bool) (*Handle, error) {
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = time.Now()
	}
	rooms := []string{UserRoom(conn.UserID)}
	if conn.Role == cnst.RoleAdmin && conn.Namespace == cnst.NamespaceAdmin {
		rooms = append(rooms, RoleRoom(cnst.RoleAdmin))
	}
	conn.Rooms = rooms

	r.mu.Lock()
	if _, ok := r.conns[conn.ID]; ok {
		r.mu.Unlock()
		return nil, cnst.ErrDuplicateConnection
	}
	h := newHandle(conn, t)
	h.replaying = replaying
	r.conns[conn.ID] = h
	for _, room := range rooms {
		r.joinLocked(h, room)
	}
	addTo(r.bySession, conn.SessionID, h)
	r.mu.Unlock()

	r.metrics.ConnectionOpened(conn.Namespace.String())
	r.logger.Debug("connection admitted",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID),
		zap.String("namespace", conn.Namespace.String()),
		zap.Strings("rooms", rooms))
	return h, nil
}

// Remove unregisters a connection, leaves all its rooms and closes its transport.
// Removing an unknown id returns false.
func (r *Registry) Remove(id string) bool {
	return r.remove(id, CloseNormal, "")
}

// Get returns the handle for id, or nil
func (r *Registry) Get(id string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Join adds an extra room membership. Room names do not grant privileges;
// delivery to role scopes still checks the registered role.
func (r *Registry) Join(id, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, in := r.rooms[room][id]; in {
		return true
	}
	r.joinLocked(h, room)
	h.extraRooms = append(h.extraRooms, room)
	return true
}

// ConnectionsFor returns a snapshot of the handles matching t at call time
func (r *Registry) ConnectionsFor(t Target) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var src map[string]*Handle
	if t.Room == "" {
		src = r.conns
	} else {
		src = r.rooms[t.Room]
	}

	out := make([]*Handle, 0, len(src))
	for _, h := range src {
		if t.Namespace != "" && h.conn.Namespace != t.Namespace {
			continue
		}
		if t.Role != "" && h.conn.Role != t.Role {
			continue
		}
		out = append(out, h)
	}
	return out
}

// EvictSession closes every connection opened with sessionID
func (r *Registry) EvictSession(sessionID, reason string) int {
	r.mu.RLock()
	ids := keys(r.bySession[sessionID])
	r.mu.RUnlock()
	return r.evict(ids, reason, zap.String("session_id", sessionID))
}

// EvictUser closes every connection of userID in any namespace
func (r *Registry) EvictUser(userID, reason string) int {
	r.mu.RLock()
	ids := keys(r.rooms[UserRoom(userID)])
	r.mu.RUnlock()
	return r.evict(ids, reason, zap.String("user_id", userID))
}

// Counts returns the number of live connections per namespace
func (r *Registry) Counts() map[cnst.Namespace]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[cnst.Namespace]int{cnst.NamespaceUser: 0, cnst.NamespaceAdmin: 0}
	for _, h := range r.conns {
		out[h.conn.Namespace]++
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connection, used on shutdown
func (r *Registry) CloseAll(reason string) int {
	r.mu.RLock()
	ids := keys(r.conns)
	r.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if r.remove(id, CloseGoingAway, reason) {
			n++
		}
	}
	return n
}

func (r *Registry) evict(ids []string, reason string, field zap.Field) int {
	n := 0
	for _, id := range ids {
		if r.remove(id, ClosePolicyViolation, reason) {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("connections evicted", field, zap.Int("count", n), zap.String("reason", reason))
	}
	return n
}

func (r *Registry) remove(id string, code int, reason string) bool {
	r.mu.Lock()
	h, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	for _, room := range h.conn.Rooms {
		removeFrom(r.rooms, room, id)
	}
	for _, room := range h.extraRooms {
		removeFrom(r.rooms, room, id)
	}
	removeFrom(r.bySession, h.conn.SessionID, id)
	r.mu.Unlock()

	// transport close happens outside the registry lock
	h.close(code, reason)
	r.metrics.ConnectionClosed(h.conn.Namespace.String())
	return true
}

func (r *Registry) joinLocked(h *Handle, room string) {
	addTo(r.rooms, room, h)
}

func addTo(index map[string]map[string]*Handle, key string, h *Handle) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*Handle)
		index[key] = set
	}
	set[h.conn.ID] = h
}

func removeFrom(index map[string]map[string]*Handle, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func keys(m map[string]*Handle) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
