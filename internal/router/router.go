package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amoylab/beacon/internal/backlog"
	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/registry"
	"github.com/amoylab/beacon/pkg/metrics"
	"github.com/amoylab/beacon/pkg/trace"
)

// Router resolves message scopes to live connections and falls back to the backlog
type Router struct {
	registry *registry.Registry
	backlog  *backlog.Manager
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   *trace.Builder
	fanout   int
}

func New(reg *registry.Registry, bl *backlog.Manager, logger *zap.Logger, m *metrics.Metrics, fanout int) *Router {
	if fanout <= 0 {
		fanout = 1
	}
	return &Router{
		registry: reg,
		backlog:  bl,
		logger:   logger.Named("router"),
		metrics:  m,
		tracer:   trace.Tracer(cnst.TraceRouter),
		fanout:   fanout,
	}
}

// Notify is the producer entry point. It returns once the message is written to
// every live recipient or persisted; it never waits for client acknowledgement.
func (r *Router) Notify(ctx context.Context, scope Scope, category string, priority cnst.Priority, payload any) (*Result, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return r.Publish(ctx, &Message{
		Scope:    scope,
		Category: category,
		Priority: priority,
		Payload:  raw,
	})
}

// Publish delivers msg to every connection its scope resolves to. Connections whose
// write fails are removed from the registry and the message is persisted instead.
func (r *Router) Publish(ctx context.Context, msg *Message) (*Result, error) {
	start := time.Now()
	if err := msg.Scope.Validate(); err != nil {
		return nil, err
	}
	if msg.Priority == "" {
		msg.Priority = cnst.PriorityInfo
	}
	if !msg.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", cnst.ErrInvalidScope, msg.Priority)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.State = StateCreated

	scope := r.tracer.Start(ctx, cnst.SpanRouterPublish).WithAttrs(
		attribute.String(cnst.AttrMessageID, msg.ID),
		attribute.String(cnst.AttrScope, msg.Scope.String()),
		attribute.String(cnst.AttrPriority, string(msg.Priority)),
	)
	defer scope.End()
	ctx = scope.Ctx

	persistable := msg.Scope.Kind != ScopeBroadcast
	ackRequired := persistable && (msg.Durable || r.backlog.RequireAck())
	env := msg.envelope(ackRequired)

	handles := r.registry.ConnectionsFor(msg.Scope.target())
	delivered, failed := r.fanOut(ctx, handles, env)

	res := &Result{
		MessageID:  msg.ID,
		Recipients: len(handles),
		Delivered:  delivered,
		Failed:     failed,
	}

	if persistable && (ackRequired || delivered == 0) {
		if err := r.backlog.Enqueue(ctx, env.Recipient, env); err != nil {
			scope.Fail(err)
			r.logger.Error("failed to persist message",
				zap.String("message_id", msg.ID),
				zap.String("recipient", env.Recipient),
				zap.Error(err))
			if delivered == 0 {
				msg.State = StateDropped
				res.State = msg.State
				return res, fmt.Errorf("persist message %s: %w", msg.ID, err)
			}
		} else {
			res.Persisted = true
		}
	}

	switch {
	case delivered > 0:
		msg.State = StateDelivered
	case res.Persisted:
		msg.State = StatePersisted
	default:
		msg.State = StateDropped
	}
	res.State = msg.State

	scope.WithAttrs(
		attribute.Int(cnst.AttrRecipients, res.Recipients),
		attribute.Int(cnst.AttrDelivered, res.Delivered),
		attribute.Bool(cnst.AttrPersisted, res.Persisted),
	)
	r.metrics.Published(string(msg.Scope.Kind), string(msg.Priority), start)
	r.logger.Debug("message published",
		zap.String("message_id", msg.ID),
		zap.String("scope", msg.Scope.String()),
		zap.String("state", string(msg.State)),
		zap.Int("recipients", res.Recipients),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed))
	return res, nil
}

// fanOut writes env to every handle with bounded parallelism. Each handle
// serializes its own writes, so per-connection order is kept.
func (r *Router) fanOut(ctx context.Context, handles []*registry.Handle, env *registry.Envelope) (int, int) {
	var delivered, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(r.fanout)

	for _, h := range handles {
		g.Go(func() error {
			out, err := h.Deliver(ctx, env)
			if err != nil {
				failed.Add(1)
				r.metrics.Delivery("failed")
				r.dropConnection(h, err)
				return nil
			}
			switch out {
			case registry.OutcomeDuplicate:
				r.metrics.Delivery("duplicate")
			default:
				delivered.Add(1)
				r.metrics.Delivery("delivered")
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load()), int(failed.Load())
}

// Replay drains the backlog of a freshly admitted connection. Live messages that
// arrive meanwhile are queued on the handle and written after the backlog.
func (r *Router) Replay(ctx context.Context, h *registry.Handle) (int, error) {
	conn := h.Connection()
	scope := r.tracer.Start(ctx, cnst.SpanRouterReplay).WithAttrs(
		attribute.String(cnst.AttrConnectionID, conn.ID),
		attribute.String(cnst.AttrNamespace, conn.Namespace.String()),
	)
	defer scope.End()
	ctx = scope.Ctx

	h.BeginReplay()
	replayed, replayErr := r.replayBacklog(ctx, h, conn.Rooms)

	unsent, err := h.EndReplay(ctx)
	if err != nil {
		r.dropConnection(h, err)
		r.persistAll(ctx, unsent)
		if replayErr == nil {
			replayErr = err
		}
	}

	r.metrics.Replayed(replayed)
	scope.WithAttrs(attribute.Int(cnst.AttrReplayedCount, replayed))
	if replayErr != nil {
		scope.Fail(replayErr)
		return replayed, replayErr
	}
	if replayed > 0 {
		r.logger.Info("backlog replayed",
			zap.String("connection_id", conn.ID),
			zap.String("user_id", conn.UserID),
			zap.Int("count", replayed))
	}
	return replayed, nil
}

func (r *Router) replayBacklog(ctx context.Context, h *registry.Handle, recipients []string) (int, error) {
	entries, err := r.backlog.DrainOnReconnect(ctx, recipients...)
	if err != nil {
		return 0, fmt.Errorf("drain backlog: %w", err)
	}

	replayed := 0
	written := make(map[string][]string)
	defer func() {
		for recipient, ids := range written {
			if err := r.backlog.Confirm(ctx, recipient, ids...); err != nil {
				r.logger.Error("failed to confirm replayed messages",
					zap.String("recipient", recipient),
					zap.Error(err))
			}
		}
	}()

	for _, e := range entries {
		e.Envelope.Recipient = e.Recipient
		out, err := h.DeliverReplay(ctx, e.Envelope)
		if err != nil {
			r.dropConnection(h, err)
			return replayed, err
		}
		if out == registry.OutcomeDelivered {
			replayed++
		}
		if !e.Envelope.AckRequired {
			written[e.Recipient] = append(written[e.Recipient], e.Envelope.MessageID)
		}
	}
	return replayed, nil
}

// Ack removes an acknowledged message from the backlogs the connection may read
func (r *Router) Ack(ctx context.Context, h *registry.Handle, messageID string) error {
	if messageID == "" {
		return nil
	}
	var errs []error
	for _, recipient := range h.Connection().Rooms {
		if err := r.backlog.Confirm(ctx, recipient, messageID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dropConnection removes h after a transport write failure. Other errors, such as
// the producer's context ending, leave the connection in place.
func (r *Router) dropConnection(h *registry.Handle, err error) {
	if !errors.Is(err, cnst.ErrTransportWrite) {
		r.logger.Debug("delivery aborted, keeping connection",
			zap.String("connection_id", h.ID()),
			zap.Error(err))
		return
	}
	if r.registry.Remove(h.ID()) {
		r.logger.Warn("removing connection after delivery failure",
			zap.String("connection_id", h.ID()),
			zap.Error(err))
	}
}

func (r *Router) persistAll(ctx context.Context, envs []*registry.Envelope) {
	for _, env := range envs {
		if env.Recipient == "" {
			continue
		}
		if err := r.backlog.Enqueue(ctx, env.Recipient, env); err != nil {
			r.logger.Error("failed to persist undelivered message",
				zap.String("message_id", env.MessageID),
				zap.Error(err))
		}
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return raw, nil
	}
}
