package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/config"
)

type backend struct {
	name string
	new  func(t *testing.T, ttl time.Duration) Store
}

func newRedisBackend(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(zap.NewNop(), client, "beacon", ttl), mr
}

func newSQLiteBackend(t *testing.T, ttl time.Duration) *DBStore {
	db, err := OpenDB(&config.DatabaseConfig{Type: "sqlite", DBName: ":memory:"})
	require.NoError(t, err)
	s := NewDBStore(zap.NewNop(), db, ttl)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, ttl time.Duration) Store { return NewMemoryStore(zap.NewNop(), ttl) }},
		{"redis", func(t *testing.T, ttl time.Duration) Store { s, _ := newRedisBackend(t, ttl); return s }},
		{"db", func(t *testing.T, ttl time.Duration) Store { return newSQLiteBackend(t, ttl) }},
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t, time.Hour)

			sess, err := s.Create(ctx, "u1", "ctx-a", "fp")
			require.NoError(t, err)
			assert.Len(t, sess.ID, 64)
			assert.True(t, sess.Active)
			assert.WithinDuration(t, sess.CreatedAt.Add(time.Hour), sess.ExpiresAt, time.Second)

			got, err := s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, "u1", got.UserID)
			assert.Equal(t, "ctx-a", got.ContextID)
			assert.Equal(t, "fp", got.Fingerprint)
			assert.True(t, got.Active)

			require.NoError(t, s.UpdateContext(ctx, sess.ID, "ctx-b"))
			got, err = s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, "ctx-b", got.ContextID)

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			require.NoError(t, s.Destroy(ctx, sess.ID))
			_, err = s.Get(ctx, sess.ID)
			assert.ErrorIs(t, err, ErrSessionNotFound)

			// destroy is idempotent
			assert.NoError(t, s.Destroy(ctx, sess.ID))

			n, err = s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)
			list, err := s.ListUser(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestStore_MissingSession(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t, time.Hour)

			_, err := s.Get(ctx, "nope")
			assert.ErrorIs(t, err, ErrSessionNotFound)
			assert.ErrorIs(t, s.UpdateContext(ctx, "nope", "x"), ErrSessionNotFound)
			assert.NoError(t, s.Touch(ctx, "nope"))
			assert.NoError(t, s.Destroy(ctx, "nope"))
		})
	}
}

func TestStore_TouchExtendsExpiry(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t, time.Hour)

			sess, err := s.Create(ctx, "u1", "", "")
			require.NoError(t, err)
			time.Sleep(20 * time.Millisecond)
			require.NoError(t, s.Touch(ctx, sess.ID))

			got, err := s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.True(t, got.LastActivity.After(sess.LastActivity))
			assert.True(t, got.ExpiresAt.After(sess.ExpiresAt))
			assert.False(t, got.ExpiresAt.Before(got.LastActivity.Add(time.Hour).Add(-time.Millisecond)))
		})
	}
}

func TestStore_DestroyUser(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t, time.Hour)

			a, err := s.Create(ctx, "u1", "", "")
			require.NoError(t, err)
			c, err := s.Create(ctx, "u1", "", "")
			require.NoError(t, err)
			other, err := s.Create(ctx, "u2", "", "")
			require.NoError(t, err)

			list, err := s.ListUser(ctx, "u1")
			require.NoError(t, err)
			assert.Len(t, list, 2)

			ids, err := s.DestroyUser(ctx, "u1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{a.ID, c.ID}, ids)

			_, err = s.Get(ctx, a.ID)
			assert.ErrorIs(t, err, ErrSessionNotFound)
			_, err = s.Get(ctx, other.ID)
			assert.NoError(t, err)

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestStore_ExpiredSession(t *testing.T) {
	for _, b := range []backend{backends()[0], backends()[2]} {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t, 30*time.Millisecond)

			sess, err := s.Create(ctx, "u1", "", "")
			require.NoError(t, err)
			time.Sleep(60 * time.Millisecond)

			_, err = s.Get(ctx, sess.ID)
			assert.ErrorIs(t, err, ErrSessionExpired)

			removed, err := s.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)
			_, err = s.Get(ctx, sess.ID)
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestStore_TouchDoesNotReviveExpired(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t, 30*time.Millisecond)

			sess, err := s.Create(ctx, "u1", "", "")
			require.NoError(t, err)
			time.Sleep(60 * time.Millisecond)

			_, err = s.Get(ctx, sess.ID)
			require.ErrorIs(t, err, ErrSessionExpired)

			require.NoError(t, s.Touch(ctx, sess.ID))
			got, err := s.Get(ctx, sess.ID)
			assert.ErrorIs(t, err, ErrSessionExpired)
			require.NotNil(t, got)
			assert.False(t, got.ExpiresAt.After(sess.ExpiresAt.Add(time.Millisecond)))
		})
	}
}

func TestRedisStore_CreateRetriesTakenID(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisBackend(t, time.Minute)

	first, err := s.Create(ctx, "u1", "", "")
	require.NoError(t, err)

	ids := []string{first.ID, strings.Repeat("b", 64)}
	s.newID = func() (string, error) {
		id := ids[0]
		ids = ids[1:]
		return id, nil
	}
	sess, err := s.Create(ctx, "u2", "", "")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 64), sess.ID)

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestRedisStore_CreateCollisionSentinel(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisBackend(t, time.Minute)

	first, err := s.Create(ctx, "u1", "", "")
	require.NoError(t, err)
	s.newID = func() (string, error) { return first.ID, nil }

	_, err = s.Create(ctx, "u2", "", "")
	assert.ErrorIs(t, err, ErrSessionIDCollision)

	// the guard keeps the collision distinct from an outage
	_, err = Guard(zap.NewNop(), s, Options{Timeout: time.Second}).Create(ctx, "u2", "", "")
	assert.ErrorIs(t, err, ErrSessionIDCollision)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStore_KeySchemaAndSweep(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisBackend(t, time.Minute)

	sess, err := s.Create(ctx, "u1", "", "")
	require.NoError(t, err)

	assert.True(t, mr.Exists("{beacon}:session:"+sess.ID))
	members, err := mr.Members("{beacon}:user_sessions:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, members)
	members, err = mr.Members("{beacon}:session_index:all")
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, members)
	assert.Equal(t, time.Minute, mr.TTL("{beacon}:session:"+sess.ID))

	// the record expires on its own, the indexes wait for the sweep
	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.False(t, mr.Exists("{beacon}:user_sessions:u1"))
}

func TestRedisStore_InactiveRecordIsExpired(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisBackend(t, time.Minute)

	sess, err := s.Create(ctx, "u1", "", "")
	require.NoError(t, err)
	mr.HSet("{beacon}:session:"+sess.ID, "active", "0")

	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
	// touch leaves inactive sessions alone
	require.NoError(t, s.Touch(ctx, sess.ID))
	assert.Equal(t, "0", mr.HGet("{beacon}:session:"+sess.ID, "active"))
}

func TestStore_ConcurrentTouchAndGet(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t, time.Hour)
			sess, err := s.Create(ctx, "u1", "ctx", "fp")
			require.NoError(t, err)

			var wg sync.WaitGroup
			errs := make(chan error, 100)
			for i := 0; i < 20; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					if err := s.Touch(ctx, sess.ID); err != nil {
						errs <- err
					}
				}()
				go func() {
					defer wg.Done()
					got, err := s.Get(ctx, sess.ID)
					if err != nil {
						errs <- err
						return
					}
					// a reader never observes a partially written record
					if got.UserID != "u1" || got.Fingerprint != "fp" || got.ExpiresAt.Before(got.LastActivity) {
						errs <- assert.AnError
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
		})
	}
}
