package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/api"
	"github.com/amoylab/beacon/internal/auth/jwt"
	"github.com/amoylab/beacon/internal/backlog"
	"github.com/amoylab/beacon/internal/bus"
	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/internal/common/errorx"
	"github.com/amoylab/beacon/internal/csrf"
	"github.com/amoylab/beacon/internal/gate"
	"github.com/amoylab/beacon/internal/push"
	"github.com/amoylab/beacon/internal/registry"
	"github.com/amoylab/beacon/internal/router"
	"github.com/amoylab/beacon/internal/session"
	"github.com/amoylab/beacon/pkg/metrics"
)

// Server wires every component of the service behind one gin engine
type Server struct {
	cfg    *config.BeaconConfig
	logger *zap.Logger

	metrics  *metrics.Metrics
	bus      bus.Bus
	sessions session.Store
	sweeper  *session.Sweeper
	backlog  *backlog.Manager
	registry *registry.Registry
	router   *router.Router
	gate     *gate.Gate
	watcher  *push.Watcher

	engine *gin.Engine
	http   *http.Server
}

// Options lets embedders replace pluggable parts
type Options struct {
	// Roles resolves user roles; defaults to the configured static admin list
	Roles gate.RoleResolver
}

func New(ctx context.Context, cfg *config.BeaconConfig, logger *zap.Logger, opts Options) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New(cfg.Metrics)
	}

	var err error
	if s.bus, err = bus.New(ctx, logger, &cfg.Bus); err != nil {
		return nil, fmt.Errorf("failed to create invalidation bus: %w", err)
	}
	if s.sessions, err = session.NewStore(ctx, logger, &cfg.Session, session.Options{
		Metrics: s.metrics,
		Bus:     s.bus,
	}); err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	s.sweeper = session.NewSweeper(s.sessions, logger, cfg.Session.SweepInterval)

	store, err := backlog.NewStore(ctx, logger, &cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("failed to create backlog store: %w", err)
	}
	s.backlog = backlog.NewManager(store, logger, s.metrics, &cfg.Backlog)

	s.registry = registry.New(logger, s.metrics)
	s.router = router.New(s.registry, s.backlog, logger, s.metrics, cfg.Gateway.FanoutLimit)

	roles := opts.Roles
	if roles == nil {
		roles = gate.NewStaticRoles(cfg.Roles)
	}
	s.gate = gate.New(cfg.Gateway, s.sessions, roles, logger, s.metrics)
	s.watcher = push.NewWatcher(s.bus, s.registry, logger)

	bridge, err := csrf.New(cfg.CSRF.Secret, cfg.CSRF.Window, s.sessions)
	if err != nil {
		return nil, err
	}
	var jwtSvc *jwt.Service
	if cfg.Auth.JWT.SecretKey != "" {
		if jwtSvc, err = jwt.NewService(cfg.Auth.JWT); err != nil {
			return nil, fmt.Errorf("failed to create jwt service: %w", err)
		}
	}

	eh := errorx.NewErrorHandler(logger.Named("http"))
	s.engine = gin.New()
	s.engine.Use(eh.RecoveryMiddleware())
	if cfg.Tracing.Enabled {
		s.engine.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	s.engine.Use(s.metrics.Middleware(), s.loggerMiddleware(), s.corsMiddleware(), eh.ErrorMiddleware())

	if cfg.Metrics.Enabled {
		s.engine.GET(cfg.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}
	push.NewServer(cfg.Gateway, s.gate, s.registry, s.router, s.sessions, eh, logger).RegisterRoutes(s.engine)
	api.New(&cfg.Session, api.Deps{
		Sessions: s.sessions,
		Bridge:   bridge,
		Registry: s.registry,
		Router:   s.router,
		Backlog:  s.backlog,
		JWT:      jwtSvc,
		Errors:   eh,
	}, logger).RegisterRoutes(s.engine)

	return s, nil
}

// Handler exposes the engine, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Router is the in-process producer API
func (s *Server) Router() *router.Router {
	return s.router
}

// Start launches the background loops
func (s *Server) Start(ctx context.Context) error {
	if err := s.watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch invalidation bus: %w", err)
	}
	s.sweeper.Start(ctx)
	s.backlog.Start(ctx)
	return nil
}

// ListenAndServe blocks until the HTTP server stops
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting beacon", zap.Int("port", s.cfg.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every push connection and releases stores
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	closed := s.registry.CloseAll("server shutting down")
	s.logger.Info("Closed push connections", zap.Int("count", closed))

	s.watcher.Stop()
	s.sweeper.Stop()
	if err := s.backlog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("backlog close: %w", err))
	}
	if err := s.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session store close: %w", err))
	}
	if err := s.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus close: %w", err))
	}
	return errors.Join(errs...)
}

// SweepOnce runs one session sweep and one backlog purge, for the sweep command
func (s *Server) SweepOnce(ctx context.Context) (sessions int, messages int, err error) {
	if sessions, err = s.sweeper.RunOnce(ctx); err != nil {
		return 0, 0, err
	}
	if messages, err = s.backlog.PurgeExpired(ctx); err != nil {
		return sessions, 0, err
	}
	return sessions, messages, nil
}
