package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/bus"
	"github.com/amoylab/beacon/pkg/metrics"
)

// Options configures the guard placed in front of every backend
type Options struct {
	// Timeout bounds each store call; zero disables the bound
	Timeout time.Duration
	Metrics *metrics.Metrics
	// Bus receives destroy events so other instances can evict live connections
	Bus bus.Bus
}

// guarded bounds backend calls, normalizes their errors and announces destroys
type guarded struct {
	next    Store
	logger  *zap.Logger
	timeout time.Duration
	metrics *metrics.Metrics
	bus     bus.Bus
}

var _ Store = (*guarded)(nil)

// Guard wraps a backend so that every call is bounded by opts.Timeout and any
// failure other than not-found or expired surfaces as ErrStoreUnavailable
func Guard(logger *zap.Logger, next Store, opts Options) Store {
	return &guarded{
		next:    next,
		logger:  logger.Named("session.guard"),
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		bus:     opts.Bus,
	}
}

func (g *guarded) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *guarded) done(op string, err error) error {
	if err == nil || errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
		g.metrics.SessionOp(op, nil)
		return err
	}
	if errors.Is(err, ErrSessionIDCollision) {
		g.metrics.SessionOp(op, err)
		return err
	}
	g.metrics.SessionOp(op, err)
	g.logger.Warn("session store call failed", zap.String("op", op), zap.Error(err))
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (g *guarded) Create(ctx context.Context, userID, contextID, fingerprint string) (*Session, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	sess, err := g.next.Create(ctx, userID, contextID, fingerprint)
	return sess, g.done("create", err)
}

func (g *guarded) Get(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	sess, err := g.next.Get(ctx, id)
	return sess, g.done("get", err)
}

func (g *guarded) Touch(ctx context.Context, id string) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	return g.done("touch", g.next.Touch(ctx, id))
}

func (g *guarded) UpdateContext(ctx context.Context, id, contextID string) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	return g.done("update_context", g.next.UpdateContext(ctx, id, contextID))
}

func (g *guarded) Destroy(ctx context.Context, id string) error {
	bctx, cancel := g.bound(ctx)
	defer cancel()
	if err := g.done("destroy", g.next.Destroy(bctx, id)); err != nil {
		return err
	}
	g.announce(ctx, &bus.Event{Action: bus.ActionDestroy, SessionIDs: []string{id}, At: time.Now()})
	return nil
}

func (g *guarded) DestroyUser(ctx context.Context, userID string) ([]string, error) {
	bctx, cancel := g.bound(ctx)
	defer cancel()
	ids, err := g.next.DestroyUser(bctx, userID)
	if err = g.done("destroy_user", err); err != nil {
		return nil, err
	}
	g.announce(ctx, &bus.Event{Action: bus.ActionDestroyUser, UserID: userID, SessionIDs: ids, At: time.Now()})
	return ids, nil
}

func (g *guarded) ListUser(ctx context.Context, userID string) ([]*Session, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	list, err := g.next.ListUser(ctx, userID)
	return list, g.done("list_user", err)
}

func (g *guarded) Count(ctx context.Context) (int64, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	n, err := g.next.Count(ctx)
	return n, g.done("count", err)
}

// Sweep is not bounded by the op timeout since it walks whole indexes
func (g *guarded) Sweep(ctx context.Context) (int, error) {
	n, err := g.next.Sweep(ctx)
	return n, g.done("sweep", err)
}

func (g *guarded) Close() error {
	return g.next.Close()
}

// announce publishes on the bus; failures are logged because the record is already gone
func (g *guarded) announce(ctx context.Context, evt *bus.Event) {
	if g.bus == nil || !g.bus.CanSend() {
		return
	}
	pctx, cancel := g.bound(context.WithoutCancel(ctx))
	defer cancel()
	if err := g.bus.Publish(pctx, evt); err != nil {
		g.logger.Error("failed to publish session event",
			zap.String("action", string(evt.Action)),
			zap.Strings("session_ids", evt.SessionIDs),
			zap.Error(err))
	}
}
