package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/amoylab/beacon/internal/session"
)

// hkdfInfo binds the derived key to this use so the configured secret can be shared
const hkdfInfo = "beacon csrf v1"

var ErrInvalidToken = errors.New("invalid csrf token")

// SessionGetter is the part of session.Store the bridge needs
type SessionGetter interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Bridge derives CSRF tokens from session ids so the HTTP layer and the push
// channel agree on a token without storing it anywhere
type Bridge struct {
	key      []byte
	window   time.Duration
	sessions SessionGetter
	now      func() time.Time
}

// New derives the signing key from secret with HKDF-SHA256
func New(secret string, window time.Duration, sessions SessionGetter) (*Bridge, error) {
	if secret == "" {
		return nil, errors.New("csrf secret is empty")
	}
	if window < time.Second {
		return nil, fmt.Errorf("csrf window must be at least 1s, got %s", window)
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive csrf key: %w", err)
	}
	return &Bridge{key: key, window: window, sessions: sessions, now: time.Now}, nil
}

// Derive returns the token for sessionID in the current time bucket
func (b *Bridge) Derive(sessionID string) string {
	return b.sign(sessionID, b.bucket(b.now()))
}

// Verify reports whether token was derived from sessionID in the current or previous bucket.
// It does not consult the store.
func (b *Bridge) Verify(sessionID, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}
	got, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	cur := b.bucket(b.now())
	for _, bucket := range []int64{cur, cur - 1} {
		if hmac.Equal(got, b.mac(sessionID, bucket)) {
			return true
		}
	}
	return false
}

// Check verifies the token and that the session still exists. Store failures are
// returned as is so callers can tell an outage from a forged token.
func (b *Bridge) Check(ctx context.Context, sessionID, token string) error {
	if !b.Verify(sessionID, token) {
		return ErrInvalidToken
	}
	if _, err := b.sessions.Get(ctx, sessionID); err != nil {
		return err
	}
	return nil
}

// Validate is Check reduced to a bool. A destroyed session invalidates every token
// derived from it.
func (b *Bridge) Validate(ctx context.Context, sessionID, token string) bool {
	return b.Check(ctx, sessionID, token) == nil
}

func (b *Bridge) bucket(t time.Time) int64 {
	return t.Unix() / int64(b.window/time.Second)
}

func (b *Bridge) mac(sessionID string, bucket int64) []byte {
	h := hmac.New(sha256.New, b.key)
	h.Write([]byte(sessionID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return h.Sum(nil)
}

func (b *Bridge) sign(sessionID string, bucket int64) string {
	return base64.RawURLEncoding.EncodeToString(b.mac(sessionID, bucket))
}
