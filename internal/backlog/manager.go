package backlog

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/internal/common/rdb"
	"github.com/amoylab/beacon/internal/registry"
	"github.com/amoylab/beacon/pkg/metrics"
)

// Type represents the backlog backend
type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
)

// NewStore creates the configured backlog backend
func NewStore(ctx context.Context, logger *zap.Logger, cfg *config.BacklogConfig) (Store, error) {
	logger.Info("Initializing backlog store", zap.String("type", cfg.Type))
	switch Type(cfg.Type) {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeRedis:
		client, err := rdb.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(logger, client, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported backlog store type: %s", cfg.Type)
	}
}

// Manager holds messages for recipients without a live connection and hands them
// back on reconnect
type Manager struct {
	store      Store
	logger     *zap.Logger
	metrics    *metrics.Metrics
	max        int
	retention  time.Duration
	requireAck bool
	interval   time.Duration

	running  *atomic.Bool
	stopChan chan struct{}
	stopped  *atomic.Bool
}

func NewManager(store Store, logger *zap.Logger, m *metrics.Metrics, cfg *config.BacklogConfig) *Manager {
	return &Manager{
		store:      store,
		logger:     logger.Named("backlog"),
		metrics:    m,
		max:        cfg.MaxPerUser,
		retention:  cfg.Retention,
		requireAck: cfg.RequireAck,
		interval:   cfg.PurgeInterval,
		running:    &atomic.Bool{},
		stopChan:   make(chan struct{}),
		stopped:    &atomic.Bool{},
	}
}

// RequireAck reports whether entries stay until the client acknowledges them
func (m *Manager) RequireAck() bool {
	return m.requireAck
}

// Enqueue stores env for recipient. Evictions caused by the size bound are logged
// and counted, never returned as errors.
func (m *Manager) Enqueue(ctx context.Context, recipient string, env *registry.Envelope) error {
	evicted, err := m.store.Enqueue(ctx, recipient, env, m.max, m.retention)
	if err != nil {
		return err
	}
	m.metrics.Backlog("enqueue", 1)
	if len(evicted) > 0 {
		m.metrics.Backlog("evict", len(evicted))
		m.logger.Warn("backlog bound reached, oldest non-critical entries evicted",
			zap.Error(cnst.ErrBacklogOverflow),
			zap.String("recipient", recipient),
			zap.Strings("evicted", evicted),
			zap.Int("max", m.max))
	}
	return nil
}

// DrainOnReconnect returns the pending entries of every recipient in replay order:
// critical and security entries first, then the rest, each group in creation order.
// Entries past retention are skipped.
func (m *Manager) DrainOnReconnect(ctx context.Context, recipients ...string) ([]*Entry, error) {
	cutoff := time.Now().Add(-m.retention)
	var out []*Entry
	for _, r := range recipients {
		entries, err := m.store.Pending(ctx, r)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if m.retention > 0 && e.EnqueuedAt.Before(cutoff) {
				continue
			}
			out = append(out, e)
		}
	}
	sortForReplay(out)
	return out, nil
}

// Confirm removes delivered entries
func (m *Manager) Confirm(ctx context.Context, recipient string, ids ...string) error {
	n, err := m.store.Remove(ctx, recipient, ids...)
	if err != nil {
		return err
	}
	m.metrics.Backlog("confirm", n)
	return nil
}

// PurgeExpired drops entries older than the retention window
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	n, err := m.store.PurgeBefore(ctx, time.Now().Add(-m.retention))
	if err != nil {
		return n, err
	}
	m.metrics.Backlog("purge", n)
	if n > 0 {
		m.logger.Info("expired backlog entries purged", zap.Int("count", n))
	}
	return n, nil
}

// Depth returns the number of held entries
func (m *Manager) Depth(ctx context.Context) (int64, error) {
	return m.store.Depth(ctx)
}

// Start begins the purge loop
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	if m.running.CompareAndSwap(false, true) {
		go m.loop(ctx)
		m.logger.Info("Started backlog purge loop", zap.Duration("interval", m.interval))
	}
}

// Stop halts the purge loop
func (m *Manager) Stop() {
	if m.running.CompareAndSwap(true, false) {
		if m.stopped.CompareAndSwap(false, true) {
			close(m.stopChan)
		}
		m.logger.Info("Stopped backlog purge loop")
	}
}

func (m *Manager) Close() error {
	m.Stop()
	return m.store.Close()
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.running.Store(false)
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			if _, err := m.PurgeExpired(ctx); err != nil {
				m.logger.Error("backlog purge failed", zap.Error(err))
			}
		}
	}
}

func sortForReplay(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Critical() != b.Critical() {
			return a.Critical()
		}
		if !a.Envelope.CreatedAt.Equal(b.Envelope.CreatedAt) {
			return a.Envelope.CreatedAt.Before(b.Envelope.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}
