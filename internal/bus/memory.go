package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/cnst"
)

// MemoryBus fans events out to watchers in the same process
type MemoryBus struct {
	logger   *zap.Logger
	role     Role
	mu       sync.RWMutex
	watchers map[chan *Event]struct{}
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus(logger *zap.Logger, role Role) *MemoryBus {
	return &MemoryBus{
		logger:   logger.Named("bus.memory"),
		role:     role,
		watchers: make(map[chan *Event]struct{}),
	}
}

// Watch implements Bus.Watch
func (b *MemoryBus) Watch(ctx context.Context) (<-chan *Event, error) {
	if !b.CanReceive() {
		return nil, cnst.ErrNotReceiver
	}

	ch := make(chan *Event, 16)
	b.mu.Lock()
	b.watchers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.watchers[ch]; ok {
			delete(b.watchers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()

	return ch, nil
}

// Publish implements Bus.Publish
func (b *MemoryBus) Publish(ctx context.Context, evt *Event) error {
	if !b.CanSend() {
		return cnst.ErrNotSender
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.watchers {
		select {
		case ch <- evt:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.logger.Warn("watcher queue is full, dropping event",
				zap.String("action", string(evt.Action)))
		}
	}
	return nil
}

func (b *MemoryBus) CanReceive() bool { return canReceive(b.role) }

func (b *MemoryBus) CanSend() bool { return canSend(b.role) }

// Close closes every open watcher channel
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers {
		delete(b.watchers, ch)
		close(ch)
	}
	return nil
}
