package session

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically removes expired sessions and dangling index entries
type Sweeper struct {
	store    Store
	logger   *zap.Logger
	interval time.Duration
	running  *atomic.Bool
	stopChan chan struct{}
	stopped  *atomic.Bool
}

func NewSweeper(store Store, logger *zap.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		logger:   logger.Named("session.sweeper"),
		interval: interval,
		running:  &atomic.Bool{},
		stopChan: make(chan struct{}),
		stopped:  &atomic.Bool{},
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	if s.running.CompareAndSwap(false, true) {
		go s.loop(ctx)
		s.logger.Info("Started session sweeper", zap.Duration("interval", s.interval))
	}
}

// Stop halts the sweep loop
func (s *Sweeper) Stop() {
	if s.running.CompareAndSwap(true, false) {
		if s.stopped.CompareAndSwap(false, true) {
			close(s.stopChan)
		}
		s.logger.Info("Stopped session sweeper")
	}
}

func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// RunOnce performs a single sweep and returns the number of removed entries
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.store.Sweep(ctx)
	if err != nil {
		s.logger.Error("session sweep failed", zap.Error(err))
		return n, err
	}
	if n > 0 {
		s.logger.Info("session sweep completed",
			zap.Int("removed", n),
			zap.Duration("duration", time.Since(start)))
	}
	return n, nil
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}
