package backlog

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/pkg/metrics"
)

func configFor(typ, addr string) config.BacklogConfig {
	return config.BacklogConfig{
		Type:          typ,
		MaxPerUser:    100,
		Retention:     time.Hour,
		PurgeInterval: 10 * time.Millisecond,
		Prefix:        "beacon",
		Redis:         config.RedisConfig{Addr: addr},
	}
}

func TestManager_ReplayOrder(t *testing.T) {
	ctx := context.Background()
	cfg := configFor("memory", "")
	m := NewManager(NewMemoryStore(), zap.NewNop(), nil, &cfg)

	// 3 INFO, 1 WARNING and 2 CRITICAL arrive while the user is offline
	order := []struct {
		id string
		p  cnst.Priority
	}{
		{"i1", cnst.PriorityInfo},
		{"c1", cnst.PriorityCritical},
		{"i2", cnst.PriorityInfo},
		{"w1", cnst.PriorityWarning},
		{"c2", cnst.PriorityCritical},
		{"i3", cnst.PriorityInfo},
	}
	for _, o := range order {
		require.NoError(t, m.Enqueue(ctx, "user:u1", env(o.id, o.p)))
		time.Sleep(time.Millisecond)
	}

	entries, err := m.DrainOnReconnect(ctx, "user:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "i1", "i2", "w1", "i3"}, ids(entries))

	require.NoError(t, m.Confirm(ctx, "user:u1", ids(entries)...))
	depth, err := m.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestManager_DrainMergesRecipients(t *testing.T) {
	ctx := context.Background()
	cfg := configFor("memory", "")
	m := NewManager(NewMemoryStore(), zap.NewNop(), nil, &cfg)

	require.NoError(t, m.Enqueue(ctx, "user:boss", env("u-info", cnst.PriorityInfo)))
	time.Sleep(time.Millisecond)
	require.NoError(t, m.Enqueue(ctx, "role:admin", env("a-sec", cnst.PrioritySecurity)))
	time.Sleep(time.Millisecond)
	require.NoError(t, m.Enqueue(ctx, "role:admin", env("a-info", cnst.PriorityInfo)))

	entries, err := m.DrainOnReconnect(ctx, "user:boss", "role:admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"a-sec", "u-info", "a-info"}, ids(entries))
	assert.Equal(t, "role:admin", entries[0].Recipient)
}

func TestManager_OverflowIsLoggedNotReturned(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	met := metrics.New(config.MetricsConfig{Namespace: "t"})
	cfg := configFor("memory", "")
	cfg.MaxPerUser = 1
	m := NewManager(NewMemoryStore(), zap.New(core), met, &cfg)

	require.NoError(t, m.Enqueue(ctx, "user:u1", env("a", cnst.PriorityInfo)))
	require.NoError(t, m.Enqueue(ctx, "user:u1", env("b", cnst.PriorityInfo)))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, cnst.ErrBacklogOverflow.Error(), logs.All()[0].ContextMap()["error"])
	n, err := testutil.GatherAndCount(met.Registry(), "t_backlog_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestManager_SkipsEntriesPastRetention(t *testing.T) {
	ctx := context.Background()
	cfg := configFor("memory", "")
	cfg.Retention = 20 * time.Millisecond
	m := NewManager(NewMemoryStore(), zap.NewNop(), nil, &cfg)

	require.NoError(t, m.Enqueue(ctx, "user:u1", env("old", cnst.PriorityCritical)))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, m.Enqueue(ctx, "user:u1", env("new", cnst.PriorityInfo)))

	entries, err := m.DrainOnReconnect(ctx, "user:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids(entries))

	n, err := m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManager_PurgeLoop(t *testing.T) {
	ctx := context.Background()
	cfg := configFor("memory", "")
	cfg.Retention = 10 * time.Millisecond
	store := NewMemoryStore()
	m := NewManager(store, zap.NewNop(), nil, &cfg)

	require.NoError(t, m.Enqueue(ctx, "user:u1", env("x", cnst.PriorityInfo)))
	m.Start(ctx)
	assert.Eventually(t, func() bool {
		d, _ := store.Depth(ctx)
		return d == 0
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, m.Close())
}
