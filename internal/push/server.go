package push

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/internal/common/errorx"
	"github.com/amoylab/beacon/internal/gate"
	"github.com/amoylab/beacon/internal/registry"
	"github.com/amoylab/beacon/internal/router"
	"github.com/amoylab/beacon/internal/session"
)

const (
	msgTypeAck  = "ack"
	msgTypePing = "ping"
)

// Server upgrades admitted requests to push connections
type Server struct {
	cfg      config.GatewayConfig
	gate     *gate.Gate
	registry *registry.Registry
	router   *router.Router
	sessions session.Store
	errors   *errorx.ErrorHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg config.GatewayConfig, g *gate.Gate, reg *registry.Registry, rt *router.Router,
	sessions session.Store, eh *errorx.ErrorHandler, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		gate:     g,
		registry: reg,
		router:   rt,
		sessions: sessions,
		errors:   eh,
		logger:   logger.Named("push"),
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.AdmissionTimeout,
		CheckOrigin: func(r *http.Request) bool {
			return g.CheckOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// RegisterRoutes mounts one endpoint per namespace
func (s *Server) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws"+cnst.NamespaceUser.String(), s.handle(cnst.NamespaceUser))
	r.GET("/ws"+cnst.NamespaceAdmin.String(), s.handle(cnst.NamespaceAdmin))
}

func (s *Server) handle(ns cnst.Namespace) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := s.gate.AuthorizeConnect(c.Request.Context(), gate.Attempt{
			Origin:    c.GetHeader("Origin"),
			SessionID: session.IDFromRequest(c.Request),
			Namespace: ns,
			UserAgent: c.Request.UserAgent(),
			RemoteIP:  c.ClientIP(),
		})
		if !d.Admitted {
			s.errors.HandleError(c, d.Reason)
			return
		}

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("failed to upgrade connection", zap.Error(err))
			return
		}
		s.serve(c.Request.Context(), conn, ns, d)
	}
}

// serve owns the connection until it closes
func (s *Server) serve(parent context.Context, conn *websocket.Conn, ns cnst.Namespace, d gate.Decision) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	t := newTransport(conn, s.cfg.WriteTimeout)
	// live messages published before the backlog is written queue on the handle
	h, err := s.registry.AdmitReplaying(registry.Connection{
		ID:        uuid.NewString(),
		SessionID: d.Session.ID,
		UserID:    d.UserID,
		Role:      d.Role,
		Namespace: ns,
	}, t)
	if err != nil {
		s.logger.Error("failed to register connection", zap.Error(err))
		_ = t.Close(registry.CloseGoingAway, "registration failed")
		return
	}
	defer s.registry.Remove(h.ID())

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())
	conn.SetReadLimit(s.cfg.ReadLimit)
	conn.SetPongHandler(func(string) error {
		lastSeen.Store(time.Now().UnixNano())
		return nil
	})

	if _, err := s.router.Replay(ctx, h); err != nil {
		s.logger.Warn("backlog replay failed", zap.String("connection_id", h.ID()), zap.Error(err))
		if h.Closed() {
			return
		}
	}
	s.touch(ctx, d.Session.ID)

	go s.heartbeat(ctx, h, t, d.Session.ID, &lastSeen)

	s.readLoop(ctx, conn, h, &lastSeen)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, h *registry.Handle, lastSeen *atomic.Int64) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !h.Closed() {
				s.logger.Debug("push connection read error", zap.String("connection_id", h.ID()), zap.Error(err))
			}
			return
		}
		lastSeen.Store(time.Now().UnixNano())
		if typ != websocket.TextMessage {
			continue
		}

		// both {"ack": id} and {"type": "ack", "messageId": id} are accepted
		if ack := gjson.GetBytes(data, "ack"); ack.Exists() {
			s.ack(ctx, h, ack.String())
			continue
		}
		switch gjson.GetBytes(data, "type").String() {
		case msgTypeAck:
			s.ack(ctx, h, gjson.GetBytes(data, "messageId").String())
		case msgTypePing:
			// any inbound frame refreshes liveness
		default:
			s.logger.Debug("ignoring client message", zap.String("connection_id", h.ID()), zap.Int("size", len(data)))
		}
	}
}

func (s *Server) ack(ctx context.Context, h *registry.Handle, id string) {
	if err := s.router.Ack(ctx, h, id); err != nil {
		s.logger.Warn("failed to confirm message", zap.String("message_id", id), zap.Error(err))
	}
}

// touch extends the session; an open push connection counts as activity
func (s *Server) touch(ctx context.Context, sessionID string) {
	if err := s.sessions.Touch(ctx, sessionID); err != nil {
		s.logger.Debug("failed to touch session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// heartbeat pings the client, drops it after too many silent intervals and
// closes it once its session is gone. A live session is touched on every beat.
func (s *Server) heartbeat(ctx context.Context, h *registry.Handle, t *wsTransport, sessionID string, lastSeen *atomic.Int64) {
	interval := s.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	limit := interval * time.Duration(s.cfg.MissedHeartbeats)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if h.Closed() {
			return
		}

		if time.Since(time.Unix(0, lastSeen.Load())) > limit {
			s.logger.Info("push connection missed heartbeats", zap.String("connection_id", h.ID()))
			s.registry.Remove(h.ID())
			return
		}
		if err := t.Ping(); err != nil {
			s.registry.Remove(h.ID())
			return
		}

		if _, err := s.sessions.Get(ctx, sessionID); err != nil {
			switch {
			case errors.Is(err, cnst.ErrSessionNotFound), errors.Is(err, cnst.ErrSessionExpired):
				s.registry.EvictSession(sessionID, "session expired")
				return
			case ctx.Err() != nil:
				return
			default:
				s.logger.Warn("session revalidation failed", zap.String("session_id", sessionID), zap.Error(err))
			}
			continue
		}
		s.touch(ctx, sessionID)
	}
}
