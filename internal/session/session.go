package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/amoylab/beacon/internal/common/cnst"
)

var (
	ErrSessionNotFound    = cnst.ErrSessionNotFound
	ErrSessionExpired     = cnst.ErrSessionExpired
	ErrStoreUnavailable   = cnst.ErrStoreUnavailable
	ErrSessionIDCollision = cnst.ErrSessionIDCollision
)

// idBytes is the amount of entropy in a session id before hex encoding
const idBytes = 32

// Session is the authoritative record of one authenticated browser session
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// ContextID is the tenant or workspace the user selected; empty when none
	ContextID    string    `json:"context_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Active       bool      `json:"active"`
}

// Valid reports whether the session is active and unexpired at now
func (s *Session) Valid(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// Store is the session persistence contract shared by every backend
type Store interface {
	// Create writes a new session together with its user and global index entries
	Create(ctx context.Context, userID, contextID, fingerprint string) (*Session, error)

	// Get returns the complete record, ErrSessionNotFound or ErrSessionExpired
	Get(ctx context.Context, id string) (*Session, error)

	// Touch refreshes last activity and extends expiry; absent, inactive and expired
	// sessions are left untouched
	Touch(ctx context.Context, id string) error

	// UpdateContext changes the selected context of an existing session
	UpdateContext(ctx context.Context, id, contextID string) error

	// Destroy removes the session and its index entries; destroying twice is not an error
	Destroy(ctx context.Context, id string) error

	// DestroyUser removes every session of a user and returns the removed ids
	DestroyUser(ctx context.Context, userID string) ([]string, error)

	// ListUser returns the live sessions of a user
	ListUser(ctx context.Context, userID string) ([]*Session, error)

	// Count returns the number of indexed sessions
	Count(ctx context.Context) (int64, error)

	// Sweep drops expired records and dangling index entries, returning how many were removed
	Sweep(ctx context.Context) (int, error)

	Close() error
}

// NewID returns a 64 character hex id built from crypto/rand
func NewID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newSession(newID func() (string, error), userID, contextID, fingerprint string, ttl time.Duration) (*Session, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Session{
		ID:           id,
		UserID:       userID,
		ContextID:    contextID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		Fingerprint:  fingerprint,
		Active:       true,
	}, nil
}
