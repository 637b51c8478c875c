package backlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/registry"
)

func env(id string, p cnst.Priority) *registry.Envelope {
	return &registry.Envelope{Type: "notification", MessageID: id, Priority: p, CreatedAt: time.Now()}
}

type backend struct {
	name string
	new  func(t *testing.T) Store
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(zap.NewNop(), client, "beacon"), mr
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"redis", func(t *testing.T) Store { s, _ := newRedisStore(t); return s }},
	}
}

func ids(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Envelope.MessageID
	}
	return out
}

func TestStore_EnqueuePendingRemove(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t)

			for i := 0; i < 3; i++ {
				ev, err := s.Enqueue(ctx, "user:u1", env(fmt.Sprintf("m%d", i), cnst.PriorityInfo), 10, time.Hour)
				require.NoError(t, err)
				assert.Empty(t, ev)
			}
			// same id twice is stored once
			_, err := s.Enqueue(ctx, "user:u1", env("m1", cnst.PriorityInfo), 10, time.Hour)
			require.NoError(t, err)

			pending, err := s.Pending(ctx, "user:u1")
			require.NoError(t, err)
			assert.Equal(t, []string{"m0", "m1", "m2"}, ids(pending))
			assert.Equal(t, "user:u1", pending[0].Recipient)
			assert.Less(t, pending[0].Seq, pending[1].Seq)

			depth, err := s.Depth(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), depth)

			n, err := s.Remove(ctx, "user:u1", "m0", "m2", "nope")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			pending, err = s.Pending(ctx, "user:u1")
			require.NoError(t, err)
			assert.Equal(t, []string{"m1"}, ids(pending))

			pending, err = s.Pending(ctx, "user:other")
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestStore_EvictionKeepsCritical(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t)

			_, err := s.Enqueue(ctx, "user:u1", env("c1", cnst.PriorityCritical), 2, time.Hour)
			require.NoError(t, err)
			_, err = s.Enqueue(ctx, "user:u1", env("i1", cnst.PriorityInfo), 2, time.Hour)
			require.NoError(t, err)
			ev, err := s.Enqueue(ctx, "user:u1", env("i2", cnst.PriorityInfo), 2, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, []string{"i1"}, ev)

			// only critical entries left besides the newest, so the bound may be exceeded
			_, err = s.Enqueue(ctx, "user:u1", env("s1", cnst.PrioritySecurity), 2, time.Hour)
			require.NoError(t, err)
			ev, err = s.Enqueue(ctx, "user:u1", env("c2", cnst.PriorityCritical), 2, time.Hour)
			require.NoError(t, err)
			assert.Empty(t, ev)

			pending, err := s.Pending(ctx, "user:u1")
			require.NoError(t, err)
			assert.Equal(t, []string{"c1", "s1", "c2"}, ids(pending))
		})
	}
}

func TestStore_PurgeBefore(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.new(t)

			_, err := s.Enqueue(ctx, "user:u1", env("old", cnst.PriorityCritical), 10, time.Hour)
			require.NoError(t, err)
			time.Sleep(20 * time.Millisecond)
			cutoff := time.Now()
			time.Sleep(5 * time.Millisecond)
			_, err = s.Enqueue(ctx, "user:u1", env("new", cnst.PriorityInfo), 10, time.Hour)
			require.NoError(t, err)
			_, err = s.Enqueue(ctx, "role:admin", env("adm", cnst.PriorityInfo), 10, time.Hour)
			require.NoError(t, err)

			n, err := s.PurgeBefore(ctx, cutoff)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			depth, err := s.Depth(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), depth)
		})
	}
}

func TestRedisStore_KeysAndTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	_, err := s.Enqueue(ctx, "user:u1", env("m1", cnst.PriorityInfo), 10, time.Hour)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "user:u1", env("m2", cnst.PriorityCritical), 10, time.Hour)
	require.NoError(t, err)

	for _, k := range []string{"{beacon}:backlog:user:u1", "{beacon}:backlog_ts:user:u1", "{beacon}:backlog_msg:user:u1"} {
		assert.True(t, mr.Exists(k), k)
		assert.Equal(t, time.Hour, mr.TTL(k), k)
	}
	members, err := mr.ZMembers("{beacon}:backlog_nc:user:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, members)
	recipients, err := mr.Members("{beacon}:backlog_recipients")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:u1"}, recipients)

	// removing the last entry drops the recipient
	_, err = s.Remove(ctx, "user:u1", "m1", "m2")
	require.NoError(t, err)
	assert.False(t, mr.Exists("{beacon}:backlog_recipients"))
}

func TestNewStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	memCfg := configFor("memory", "")
	s, err := NewStore(ctx, zap.NewNop(), &memCfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	redisCfg := configFor("redis", mr.Addr())
	s, err = NewStore(ctx, zap.NewNop(), &redisCfg)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	assert.NoError(t, s.Close())

	badCfg := configFor("kafka", "")
	_, err = NewStore(ctx, zap.NewNop(), &badCfg)
	assert.Error(t, err)
}
