package push

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/bus"
	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/registry"
)

type nopTransport struct{ closed atomic.Int32 }

func (t *nopTransport) Send(context.Context, *registry.Envelope) error { return nil }

func (t *nopTransport) Close(code int, _ string) error {
	t.closed.Store(int32(code))
	return nil
}

func TestWatcher_EvictsUserEverywhere(t *testing.T) {
	reg := registry.New(zap.NewNop(), nil)
	b := bus.NewMemoryBus(zap.NewNop(), bus.RoleBoth)
	w := NewWatcher(b, reg, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	var transports []*nopTransport
	for i, ns := range []cnst.Namespace{cnst.NamespaceUser, cnst.NamespaceAdmin, cnst.NamespaceUser} {
		tr := &nopTransport{}
		transports = append(transports, tr)
		_, err := reg.Admit(registry.Connection{
			ID: string(rune('a' + i)), SessionID: "s1", UserID: "boss", Role: cnst.RoleAdmin, Namespace: ns,
		}, tr)
		require.NoError(t, err)
	}
	_, err := reg.Admit(registry.Connection{ID: "other", SessionID: "s2", UserID: "u2", Namespace: cnst.NamespaceUser}, &nopTransport{})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), &bus.Event{Action: bus.ActionDestroyUser, UserID: "boss", At: time.Now()}))

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)
	for _, tr := range transports {
		assert.Equal(t, int32(registry.ClosePolicyViolation), tr.closed.Load())
	}
	assert.NotNil(t, reg.Get("other"))
}

func TestWatcher_SendOnlyBus(t *testing.T) {
	reg := registry.New(zap.NewNop(), nil)
	w := NewWatcher(bus.NewMemoryBus(zap.NewNop(), bus.RoleSender), reg, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
}
