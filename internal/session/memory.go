package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore implements Store in process memory. It is meant for single instance
// deployments and tests.
type MemoryStore struct {
	logger *zap.Logger
	ttl    time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(logger *zap.Logger, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		logger:   logger.Named("session.store.memory"),
		ttl:      ttl,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Create implements Store.Create
func (s *MemoryStore) Create(_ context.Context, userID, contextID, fingerprint string) (*Session, error) {
	sess, err := newSession(NewID, userID, contextID, fingerprint, s.ttl)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	ids, ok := s.byUser[userID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[userID] = ids
	}
	ids[sess.ID] = struct{}{}

	cp := *sess
	return &cp, nil
}

// Get implements Store.Get
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	if !cp.Valid(time.Now()) {
		return &cp, ErrSessionExpired
	}
	return &cp, nil
}

// Touch implements Store.Touch
func (s *MemoryStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess, ok := s.sessions[id]
	if !ok || !sess.Valid(now) {
		return nil
	}
	sess.LastActivity = now
	sess.ExpiresAt = now.Add(s.ttl)
	return nil
}

// UpdateContext implements Store.UpdateContext
func (s *MemoryStore) UpdateContext(_ context.Context, id, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.ContextID = contextID
	return nil
}

// Destroy implements Store.Destroy
func (s *MemoryStore) Destroy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	return nil
}

// DestroyUser implements Store.DestroyUser
func (s *MemoryStore) DestroyUser(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.removeLocked(id)
	}
	return ids, nil
}

// ListUser implements Store.ListUser
func (s *MemoryStore) ListUser(_ context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]*Session, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		if sess, ok := s.sessions[id]; ok && sess.Valid(now) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Count implements Store.Count
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sessions)), nil
}

// Sweep implements Store.Sweep
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, sess := range s.sessions {
		if !sess.Valid(now) {
			s.removeLocked(id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) removeLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if ids, ok := s.byUser[sess.UserID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}
}
