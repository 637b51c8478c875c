package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/bus"
	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/pkg/metrics"
)

// slowStore blocks until the context ends, simulating an unreachable backend
type slowStore struct {
	*MemoryStore
}

func (s *slowStore) Get(ctx context.Context, _ string) (*Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type brokenStore struct {
	*MemoryStore
}

func (s *brokenStore) Create(context.Context, string, string, string) (*Session, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestGuard_TimeoutIsStoreUnavailable(t *testing.T) {
	m := metrics.New(config.MetricsConfig{Namespace: "t"})
	s := Guard(zap.NewNop(), &slowStore{NewMemoryStore(zap.NewNop(), time.Hour)}, Options{
		Timeout: 20 * time.Millisecond,
		Metrics: m,
	})

	start := time.Now()
	_, err := s.Get(context.Background(), "sid")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, mustGatherCount(t, m, "t_session_operations_total"))
}

func TestGuard_BackendErrorIsStoreUnavailable(t *testing.T) {
	s := Guard(zap.NewNop(), &brokenStore{NewMemoryStore(zap.NewNop(), time.Hour)}, Options{})
	_, err := s.Create(context.Background(), "u1", "", "")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestGuard_DomainErrorsPassThrough(t *testing.T) {
	s := Guard(zap.NewNop(), NewMemoryStore(zap.NewNop(), time.Hour), Options{Timeout: time.Second})
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}

func TestGuard_DestroyAnnouncesOnBus(t *testing.T) {
	b := bus.NewMemoryBus(zap.NewNop(), bus.RoleBoth)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := b.Watch(ctx)
	require.NoError(t, err)

	s := Guard(zap.NewNop(), NewMemoryStore(zap.NewNop(), time.Hour), Options{Timeout: time.Second, Bus: b})
	one, err := s.Create(ctx, "u1", "", "")
	require.NoError(t, err)
	two, err := s.Create(ctx, "u1", "", "")
	require.NoError(t, err)

	require.NoError(t, s.Destroy(ctx, one.ID))
	select {
	case evt := <-events:
		assert.Equal(t, bus.ActionDestroy, evt.Action)
		assert.Equal(t, []string{one.ID}, evt.SessionIDs)
	case <-time.After(time.Second):
		t.Fatal("no destroy event")
	}

	ids, err := s.DestroyUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{two.ID}, ids)
	select {
	case evt := <-events:
		assert.Equal(t, bus.ActionDestroyUser, evt.Action)
		assert.Equal(t, "u1", evt.UserID)
	case <-time.After(time.Second):
		t.Fatal("no destroy_user event")
	}
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, zap.NewNop(), &config.SessionConfig{Type: "memory", TTL: time.Hour}, Options{})
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	s, err = NewStore(ctx, zap.NewNop(), &config.SessionConfig{
		Type: "db", TTL: time.Hour,
		Database: config.DatabaseConfig{Type: "sqlite", DBName: ":memory:"},
	}, Options{})
	require.NoError(t, err)
	sess, err := s.Create(ctx, "u1", "", "")
	require.NoError(t, err)
	_, err = s.Get(ctx, sess.ID)
	assert.NoError(t, err)
	assert.NoError(t, s.Close())

	_, err = NewStore(ctx, zap.NewNop(), &config.SessionConfig{Type: "etcd"}, Options{})
	assert.Error(t, err)

	_, err = NewStore(ctx, zap.NewNop(), &config.SessionConfig{
		Type: "redis", Redis: config.RedisConfig{Addr: "127.0.0.1:1"},
	}, Options{})
	assert.Error(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	store := NewMemoryStore(zap.NewNop(), 10*time.Millisecond)
	_, err := store.Create(context.Background(), "u1", "", "")
	require.NoError(t, err)

	sw := NewSweeper(store, zap.NewNop(), 20*time.Millisecond)
	sw.Start(context.Background())
	assert.True(t, sw.IsRunning())

	assert.Eventually(t, func() bool {
		n, _ := store.Count(context.Background())
		return n == 0
	}, time.Second, 10*time.Millisecond)

	sw.Stop()
	assert.False(t, sw.IsRunning())
	sw.Stop()
}

func mustGatherCount(t *testing.T, m *metrics.Metrics, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(m.Registry(), name)
	require.NoError(t, err)
	return n
}
