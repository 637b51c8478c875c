package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/backlog"
	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/internal/registry"
)

type recorder struct {
	mu       sync.Mutex
	envs     []*registry.Envelope
	fail     bool
	ctxAware bool // Send fails with the caller's context error
}

func (r *recorder) Send(ctx context.Context, env *registry.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctxAware && ctx.Err() != nil {
		return ctx.Err()
	}
	if r.fail {
		return errors.New("write: broken pipe")
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) Close(int, string) error { return nil }

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, e := range r.envs {
		out[i] = e.MessageID
	}
	return out
}

type fixture struct {
	reg     *registry.Registry
	backlog *backlog.Manager
	router  *Router
}

func newFixture(t *testing.T, requireAck bool) *fixture {
	t.Helper()
	reg := registry.New(zap.NewNop(), nil)
	bl := backlog.NewManager(backlog.NewMemoryStore(), zap.NewNop(), nil, &config.BacklogConfig{
		MaxPerUser: 100,
		Retention:  time.Hour,
		RequireAck: requireAck,
	})
	return &fixture{reg: reg, backlog: bl, router: New(reg, bl, zap.NewNop(), nil, 4)}
}

func (f *fixture) admit(t *testing.T, id, uid string, role cnst.Role, ns cnst.Namespace) (*registry.Handle, *recorder) {
	t.Helper()
	rec := &recorder{}
	h, err := f.reg.Admit(registry.Connection{ID: id, SessionID: "s-" + id, UserID: uid, Role: role, Namespace: ns}, rec)
	require.NoError(t, err)
	return h, rec
}

func (f *fixture) admitReplaying(t *testing.T, id, uid string) (*registry.Handle, *recorder) {
	t.Helper()
	rec := &recorder{}
	h, err := f.reg.AdmitReplaying(registry.Connection{
		ID: id, SessionID: "s-" + id, UserID: uid, Role: cnst.RoleUser, Namespace: cnst.NamespaceUser,
	}, rec)
	require.NoError(t, err)
	return h, rec
}

func (f *fixture) depth(t *testing.T) int64 {
	d, err := f.backlog.Depth(context.Background())
	require.NoError(t, err)
	return d
}

func TestPublish_UserScopeDelivered(t *testing.T) {
	f := newFixture(t, false)
	_, tab1 := f.admit(t, "c1", "u1", cnst.RoleUser, cnst.NamespaceUser)
	_, tab2 := f.admit(t, "c2", "u1", cnst.RoleUser, cnst.NamespaceUser)
	_, other := f.admit(t, "c3", "u2", cnst.RoleUser, cnst.NamespaceUser)

	res, err := f.router.Notify(context.Background(), UserScope("u1"), "caption", cnst.PriorityInfo, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, res.State)
	assert.Equal(t, 2, res.Delivered)
	assert.False(t, res.Persisted)
	assert.Len(t, tab1.ids(), 1)
	assert.Len(t, tab2.ids(), 1)
	assert.Empty(t, other.ids())
	assert.JSONEq(t, `{"k":"v"}`, string(tab1.envs[0].Payload))
	assert.Equal(t, EnvelopeType, tab1.envs[0].Type)
}

func TestPublish_OfflinePersists(t *testing.T) {
	f := newFixture(t, false)
	res, err := f.router.Notify(context.Background(), UserScope("u1"), "x", cnst.PriorityWarning, nil)
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, res.State)
	assert.True(t, res.Persisted)
	assert.Equal(t, int64(1), f.depth(t))
}

func TestPublish_BroadcastNotPersisted(t *testing.T) {
	f := newFixture(t, false)
	res, err := f.router.Notify(context.Background(), BroadcastScope(), "maintenance", cnst.PriorityInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDropped, res.State)
	assert.Equal(t, int64(0), f.depth(t))

	_, u := f.admit(t, "c1", "u1", cnst.RoleUser, cnst.NamespaceUser)
	_, a := f.admit(t, "c2", "boss", cnst.RoleAdmin, cnst.NamespaceAdmin)
	res, err = f.router.Notify(context.Background(), BroadcastScope(), "maintenance", cnst.PriorityInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, u.ids(), 1)
	assert.Empty(t, a.ids())
}

func TestPublish_AdminScopeNeverLeaks(t *testing.T) {
	f := newFixture(t, false)
	_, admin := f.admit(t, "admin", "boss", cnst.RoleAdmin, cnst.NamespaceAdmin)
	_, adminOnUser := f.admit(t, "admin-user-ns", "boss", cnst.RoleAdmin, cnst.NamespaceUser)
	_, user := f.admit(t, "user", "u1", cnst.RoleUser, cnst.NamespaceUser)
	// even a user connection that ends up in the admin room is filtered by role
	require.True(t, f.reg.Join("user", registry.RoleRoom(cnst.RoleAdmin)))

	for i := 0; i < 20; i++ {
		_, err := f.router.Notify(context.Background(), RoleScope(cnst.RoleAdmin), "security", cnst.PrioritySecurity, nil)
		require.NoError(t, err)
	}
	assert.Len(t, admin.ids(), 20)
	assert.Empty(t, adminOnUser.ids())
	assert.Empty(t, user.ids())
}

func TestPublish_InvalidScope(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.router.Notify(context.Background(), UserScope(""), "x", cnst.PriorityInfo, nil)
	assert.ErrorIs(t, err, cnst.ErrInvalidScope)
	_, err = f.router.Notify(context.Background(), RoleScope(cnst.RoleUser), "x", cnst.PriorityInfo, nil)
	assert.ErrorIs(t, err, cnst.ErrInvalidScope)
	_, err = f.router.Notify(context.Background(), Scope{Kind: "group"}, "x", cnst.PriorityInfo, nil)
	assert.ErrorIs(t, err, cnst.ErrInvalidScope)
	_, err = f.router.Notify(context.Background(), UserScope("u1"), "x", "urgent", nil)
	assert.ErrorIs(t, err, cnst.ErrInvalidScope)
	_, err = f.router.Notify(context.Background(), UserScope("u1"), "x", cnst.PriorityInfo, []byte("{bad"))
	assert.Error(t, err)
}

func TestPublish_WriteFailureRedirectsToBacklog(t *testing.T) {
	f := newFixture(t, false)
	_, rec := f.admit(t, "c1", "u1", cnst.RoleUser, cnst.NamespaceUser)
	rec.fail = true

	res, err := f.router.Notify(context.Background(), UserScope("u1"), "x", cnst.PriorityInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, StatePersisted, res.State)
	assert.Nil(t, f.reg.Get("c1"))
	assert.Equal(t, int64(1), f.depth(t))
}

func TestPublish_CancelledProducerKeepsConnection(t *testing.T) {
	f := newFixture(t, false)
	_, rec := f.admit(t, "c1", "u1", cnst.RoleUser, cnst.NamespaceUser)
	rec.ctxAware = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.router.Notify(ctx, UserScope("u1"), "x", cnst.PriorityInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.Persisted)
	require.NotNil(t, f.reg.Get("c1"))
	assert.Equal(t, 1, f.reg.Len())

	res, err = f.router.Notify(context.Background(), UserScope("u1"), "x", cnst.PriorityInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{res.MessageID}, rec.ids())
}

func TestPublish_FIFOPerConnection(t *testing.T) {
	f := newFixture(t, false)
	_, rec := f.admit(t, "c1", "u1", cnst.RoleUser, cnst.NamespaceUser)

	var want []string
	for i := 0; i < 50; i++ {
		res, err := f.router.Notify(context.Background(), UserScope("u1"), "seq", cnst.PriorityInfo, i)
		require.NoError(t, err)
		want = append(want, res.MessageID)
	}
	assert.Equal(t, want, rec.ids())
}

func TestReplay_OfflineScenario(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// 3 INFO, 1 WARNING, 2 CRITICAL while offline
	plan := []cnst.Priority{
		cnst.PriorityInfo, cnst.PriorityCritical, cnst.PriorityInfo,
		cnst.PriorityWarning, cnst.PriorityCritical, cnst.PriorityInfo,
	}
	var sent []string
	for i, p := range plan {
		res, err := f.router.Publish(ctx, &Message{
			Scope: UserScope("u1"), Priority: p, CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
		sent = append(sent, res.MessageID)
	}

	h, rec := f.admit(t, "c1", "u1", cnst.RoleUser, cnst.NamespaceUser)
	n, err := f.router.Replay(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []string{sent[1], sent[4], sent[0], sent[2], sent[3], sent[5]}, rec.ids())
	assert.Equal(t, registry.StateActive, h.State())
	assert.Equal(t, int64(0), f.depth(t))

	// a second connection of the same user sees nothing again
	h2, rec2 := f.admit(t, "c2", "u1", cnst.RoleUser, cnst.NamespaceUser)
	n, err = f.router.Replay(ctx, h2)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rec2.ids())
}

func TestReplay_AdminGetsRoleBacklog(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	res, err := f.router.Notify(ctx, RoleScope(cnst.RoleAdmin), "audit", cnst.PrioritySecurity, nil)
	require.NoError(t, err)
	require.Equal(t, StatePersisted, res.State)

	// a user connection does not drain the admin backlog
	hu, ru := f.admit(t, "u", "u1", cnst.RoleUser, cnst.NamespaceUser)
	_, err = f.router.Replay(ctx, hu)
	require.NoError(t, err)
	assert.Empty(t, ru.ids())

	ha, ra := f.admit(t, "a", "boss", cnst.RoleAdmin, cnst.NamespaceAdmin)
	_, err = f.router.Replay(ctx, ha)
	require.NoError(t, err)
	assert.Equal(t, []string{res.MessageID}, ra.ids())
}

func TestAckMode(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	h, rec := f.admit(t, "c1", "u1", cnst.RoleUser, cnst.NamespaceUser)

	res, err := f.router.Notify(ctx, UserScope("u1"), "x", cnst.PriorityInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, res.State)
	assert.True(t, res.Persisted)
	assert.True(t, rec.envs[0].AckRequired)
	assert.Equal(t, int64(1), f.depth(t))

	require.NoError(t, f.router.Ack(ctx, h, res.MessageID))
	assert.Equal(t, int64(0), f.depth(t))
}

func TestAckMode_ReplayKeepsUntilAck(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	res, err := f.router.Notify(ctx, UserScope("u1"), "x", cnst.PriorityInfo, nil)
	require.NoError(t, err)

	h, rec := f.admit(t, "c1", "u1", cnst.RoleUser, cnst.NamespaceUser)
	_, err = f.router.Replay(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []string{res.MessageID}, rec.ids())
	assert.Equal(t, int64(1), f.depth(t))

	// another user cannot acknowledge it
	other, _ := f.admit(t, "c2", "u2", cnst.RoleUser, cnst.NamespaceUser)
	require.NoError(t, f.router.Ack(ctx, other, res.MessageID))
	assert.Equal(t, int64(1), f.depth(t))

	require.NoError(t, f.router.Ack(ctx, h, res.MessageID))
	assert.Equal(t, int64(0), f.depth(t))
}

func TestReplay_ConcurrentLiveMessagesKeepOrder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	var old []string
	for i := 0; i < 5; i++ {
		res, err := f.router.Notify(ctx, UserScope("u1"), "old", cnst.PriorityInfo, i)
		require.NoError(t, err)
		old = append(old, res.MessageID)
	}

	h, rec := f.admitReplaying(t, "c1", "u1")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			_, _ = f.router.Notify(ctx, UserScope("u1"), "live", cnst.PriorityInfo, fmt.Sprint(i))
		}
	}()
	_, err := f.router.Replay(ctx, h)
	require.NoError(t, err)
	wg.Wait()

	got := rec.ids()
	require.Len(t, got, 10)
	seen := map[string]bool{}
	for _, id := range got {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	// the backlog is written before any live message
	assert.Equal(t, old, got[:5])
}

func TestReplay_LivePublishBetweenAdmitAndReplay(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	m1, err := f.router.Notify(ctx, UserScope("u1"), "first", cnst.PriorityInfo, nil)
	require.NoError(t, err)
	require.Equal(t, StatePersisted, m1.State)

	h, rec := f.admitReplaying(t, "c1", "u1")
	m2, err := f.router.Notify(ctx, UserScope("u1"), "second", cnst.PriorityInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m2.Delivered)
	assert.Empty(t, rec.ids())

	_, err = f.router.Replay(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []string{m1.MessageID, m2.MessageID}, rec.ids())
	assert.Equal(t, int64(0), f.depth(t))
}
