package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/auth/jwt"
	"github.com/amoylab/beacon/internal/backlog"
	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/common/config"
	"github.com/amoylab/beacon/internal/common/errorx"
	"github.com/amoylab/beacon/internal/csrf"
	"github.com/amoylab/beacon/internal/registry"
	"github.com/amoylab/beacon/internal/router"
	"github.com/amoylab/beacon/internal/session"
)

// Handler serves the session and producer HTTP API
type Handler struct {
	sessions session.Store
	bridge   *csrf.Bridge
	registry *registry.Registry
	router   *router.Router
	backlog  *backlog.Manager
	jwt      *jwt.Service
	errors   *errorx.ErrorHandler
	cookie   config.CookieConfig
	ttl      time.Duration
	logger   *zap.Logger
}

// Deps groups the components the API talks to
type Deps struct {
	Sessions session.Store
	Bridge   *csrf.Bridge
	Registry *registry.Registry
	Router   *router.Router
	Backlog  *backlog.Manager
	JWT      *jwt.Service
	Errors   *errorx.ErrorHandler
}

func New(cfg *config.SessionConfig, deps Deps, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: deps.Sessions,
		bridge:   deps.Bridge,
		registry: deps.Registry,
		router:   deps.Router,
		backlog:  deps.Backlog,
		jwt:      deps.JWT,
		errors:   deps.Errors,
		cookie:   cfg.Cookie,
		ttl:      cfg.TTL,
		logger:   logger.Named("api"),
	}
}

// RegisterRoutes mounts the browser-facing session routes and the producer routes.
// Producer routes are only mounted when a JWT service is configured.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", h.health)

	api := r.Group("/api")

	browser := api.Group("/session")
	browser.Use(csrf.Middleware(h.bridge, h.errors))
	browser.GET("", h.currentSession)
	browser.PUT("/context", h.updateContext)
	browser.DELETE("", h.logout)

	if h.jwt == nil {
		h.logger.Warn("auth.jwt.secret_key is empty, producer API disabled")
		return
	}
	producer := api.Group("")
	producer.Use(ServiceAuth(h.jwt, h.errors))
	producer.POST("/sessions", h.createSession)
	producer.DELETE("/users/:id/sessions", h.logoutUser)
	producer.POST("/notify", h.notify)
	producer.GET("/admin/stats", h.stats)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.registry.Len()})
}

func (h *Handler) setCookie(c *gin.Context, value string, expires time.Time) {
	maxAge := int(time.Until(expires).Seconds())
	if value == "" {
		maxAge = -1
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     cnst.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.cookie.Domain,
		Expires:  expires,
		MaxAge:   maxAge,
		Secure:   h.cookie.Secure,
		HttpOnly: true,
		SameSite: sameSite(h.cookie.SameSite),
	})
}

func sameSite(v string) http.SameSite {
	switch v {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
