package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/internal/registry"
	"github.com/amoylab/beacon/internal/session"
	"github.com/amoylab/beacon/pkg/logger"
	"github.com/amoylab/beacon/pkg/metrics"
	"github.com/amoylab/beacon/pkg/trace"
)

var errInvalidNamespace = errors.New("unknown namespace")

// SessionGetter is the part of session.Store the gate needs
type SessionGetter interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Attempt is everything known about a connection before it is upgraded
type Attempt struct {
	Origin    string
	SessionID string
	Namespace cnst.Namespace
	UserAgent string
	RemoteIP  string
}

// Decision is the outcome of AuthorizeConnect. Reason is set when not admitted.
type Decision struct {
	Admitted bool
	State    registry.State
	Role     cnst.Role
	UserID   string
	Rooms    []string
	Session  *session.Session
	Reason   error
}

// Gate decides whether a push connection may be opened
type Gate struct {
	origins  map[string]struct{}
	devMode  bool
	timeout  time.Duration
	sessions SessionGetter
	roles    RoleResolver
	logger   *zap.Logger
	audit    *zap.Logger
	metrics  *metrics.Metrics
	tracer   *trace.Builder
}

func New(cfg config.GatewayConfig, sessions SessionGetter, roles RoleResolver, lg *zap.Logger, m *metrics.Metrics) *Gate {
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[normalizeOrigin(o)] = struct{}{}
	}
	return &Gate{
		origins:  origins,
		devMode:  cfg.DevMode,
		timeout:  cfg.AdmissionTimeout,
		sessions: sessions,
		roles:    roles,
		logger:   lg.Named("gate"),
		audit:    logger.Audit(lg).Named("gate"),
		metrics:  m,
		tracer:   trace.Tracer(cnst.TraceGate),
	}
}

// AuthorizeConnect checks origin, session, fingerprint and role. Any failure,
// including an unreachable store, rejects the attempt.
func (g *Gate) AuthorizeConnect(ctx context.Context, a Attempt) Decision {
	scope := g.tracer.Start(ctx, cnst.SpanGateAuthorize).WithAttrs(
		attribute.String(cnst.AttrNamespace, a.Namespace.String()),
		attribute.String(cnst.AttrClientAddr, a.RemoteIP),
	)
	defer scope.End()

	d := g.authorize(scope.Ctx, a)
	g.metrics.Admission(a.Namespace.String(), d.Admitted)
	if !d.Admitted {
		reason := reasonLabel(d.Reason)
		scope.WithAttrs(attribute.String(cnst.AttrErrorReason, reason)).Fail(d.Reason)
		g.metrics.SecurityEvent(reason)
		g.audit.Warn("push connection rejected",
			zap.String("reason", reason),
			zap.String("origin", a.Origin),
			zap.String("namespace", a.Namespace.String()),
			zap.String("remote_ip", a.RemoteIP),
			zap.String("user_id", d.UserID),
			zap.Error(d.Reason))
		return d
	}
	g.logger.Debug("push connection admitted",
		zap.String("user_id", d.UserID),
		zap.String("role", d.Role.String()),
		zap.String("namespace", a.Namespace.String()))
	return d
}

func (g *Gate) authorize(ctx context.Context, a Attempt) Decision {
	reject := func(userID string, err error) Decision {
		return Decision{State: registry.StateRejected, UserID: userID, Reason: err}
	}

	if !g.CheckOrigin(a.Origin) {
		return reject("", fmt.Errorf("%w: %q", cnst.ErrForbiddenOrigin, a.Origin))
	}
	if !a.Namespace.Valid() {
		return reject("", fmt.Errorf("%w: %q", errInvalidNamespace, a.Namespace))
	}
	if a.SessionID == "" {
		return reject("", cnst.ErrSessionNotFound)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	sess, err := g.sessions.Get(ctx, a.SessionID)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, cnst.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", cnst.ErrStoreUnavailable, err)
		}
		return reject("", err)
	}
	if !sess.Valid(time.Now()) {
		return reject(sess.UserID, cnst.ErrSessionExpired)
	}
	if sess.Fingerprint != "" && sess.Fingerprint != Fingerprint(a.UserAgent, a.RemoteIP) {
		return reject(sess.UserID, cnst.ErrFingerprintMismatch)
	}

	role, err := g.roles.ResolveRole(ctx, sess.UserID)
	if err != nil {
		return reject(sess.UserID, fmt.Errorf("%w: resolve role: %v", cnst.ErrStoreUnavailable, err))
	}
	if a.Namespace == cnst.NamespaceAdmin && role != cnst.RoleAdmin {
		return reject(sess.UserID, cnst.ErrForbiddenNamespace)
	}

	rooms := []string{registry.UserRoom(sess.UserID)}
	if role == cnst.RoleAdmin && a.Namespace == cnst.NamespaceAdmin {
		rooms = append(rooms, registry.RoleRoom(cnst.RoleAdmin))
	}
	return Decision{
		Admitted: true,
		State:    registry.StateAdmitted,
		Role:     role,
		UserID:   sess.UserID,
		Rooms:    rooms,
		Session:  sess,
	}
}

// CheckOrigin reports whether origin is allowed. The allow-list is matched exactly;
// dev mode also accepts loopback origins on any port.
func (g *Gate) CheckOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := g.origins[normalizeOrigin(origin)]; ok {
		return true
	}
	return g.devMode && isLoopbackOrigin(origin)
}

// Fingerprint binds a session to the client that created it
func Fingerprint(userAgent, remoteIP string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + remoteIP))
	return hex.EncodeToString(sum[:])
}

func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, cnst.ErrForbiddenOrigin):
		return "forbidden_origin"
	case errors.Is(err, cnst.ErrForbiddenNamespace):
		return "forbidden_namespace"
	case errors.Is(err, cnst.ErrFingerprintMismatch):
		return "fingerprint_mismatch"
	case errors.Is(err, cnst.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, cnst.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, cnst.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, errInvalidNamespace):
		return "invalid_namespace"
	default:
		return "unknown"
	}
}
