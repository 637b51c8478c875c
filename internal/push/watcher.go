package push

import (
	"context"
	"sync"

	"github.com/ifuryst/lol"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/bus"
	"github.com/amoylab/beacon/internal/registry"
)

// Watcher closes local connections whose session was destroyed on any instance
type Watcher struct {
	bus      bus.Bus
	registry *registry.Registry
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(b bus.Bus, reg *registry.Registry, logger *zap.Logger) *Watcher {
	return &Watcher{bus: b, registry: reg, logger: logger.Named("watcher")}
}

// Start subscribes to the bus. It is a no-op when the bus cannot receive.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.bus.CanReceive() {
		w.logger.Info("session bus is send-only, remote evictions disabled")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	events, err := w.bus.Watch(ctx)
	if err != nil {
		cancel()
		return err
	}

	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		for evt := range events {
			w.apply(evt)
		}
	}()
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) apply(evt *bus.Event) {
	reason := evt.Reason
	if reason == "" {
		reason = "session destroyed"
	}
	ids := lol.UniqSlice(evt.SessionIDs)
	switch evt.Action {
	case bus.ActionDestroy:
		for _, id := range ids {
			w.registry.EvictSession(id, reason)
		}
	case bus.ActionDestroyUser:
		if evt.UserID != "" {
			w.registry.EvictUser(evt.UserID, reason)
		}
		for _, id := range ids {
			w.registry.EvictSession(id, reason)
		}
	default:
		w.logger.Warn("unknown session event", zap.String("action", string(evt.Action)))
	}
}
