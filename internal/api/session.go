package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/errorx"
	"github.com/amoylab/beacon/internal/gate"
	"github.com/amoylab/beacon/internal/session"
)

type createSessionRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	ContextID string `json:"context_id"`
	// UserAgent and ClientIP bind the session to the browser that logged in
	UserAgent string `json:"user_agent"`
	ClientIP  string `json:"client_ip"`
}

type sessionResponse struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id,omitempty"`
	ContextID    string    `json:"context_id,omitempty"`
	CSRFToken    string    `json:"csrf_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errors.HandleError(c, errorx.ValidationError("user_id", err.Error()))
		return
	}

	fingerprint := ""
	if req.UserAgent != "" || req.ClientIP != "" {
		fingerprint = gate.Fingerprint(req.UserAgent, req.ClientIP)
	}
	sess, err := h.sessions.Create(c.Request.Context(), req.UserID, req.ContextID, fingerprint)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}

	h.logger.Info("session created",
		zap.String("user_id", sess.UserID),
		zap.String("service", callerService(c)),
		zap.Bool("fingerprinted", fingerprint != ""))
	h.setCookie(c, sess.ID, sess.ExpiresAt)
	c.JSON(http.StatusCreated, sessionResponse{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ContextID: sess.ContextID,
		CSRFToken: h.bridge.Derive(sess.ID),
		ExpiresAt: sess.ExpiresAt,
	})
}

// currentSession returns the caller's session with a fresh CSRF token
func (h *Handler) currentSession(c *gin.Context) {
	sess, ok := h.requireSession(c)
	if !ok {
		return
	}
	if err := h.sessions.Touch(c.Request.Context(), sess.ID); err != nil {
		h.errors.HandleError(c, err)
		return
	}
	expires := time.Now().Add(h.ttl)
	h.setCookie(c, sess.ID, expires)
	c.JSON(http.StatusOK, sessionResponse{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		ContextID:    sess.ContextID,
		CSRFToken:    h.bridge.Derive(sess.ID),
		ExpiresAt:    expires,
		LastActivity: sess.LastActivity,
	})
}

type updateContextRequest struct {
	ContextID string `json:"context_id"`
}

func (h *Handler) updateContext(c *gin.Context) {
	var req updateContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errors.HandleError(c, errorx.ValidationError("context_id", err.Error()))
		return
	}
	sid := session.IDFromRequest(c.Request)
	if err := h.sessions.UpdateContext(c.Request.Context(), sid, req.ContextID); err != nil {
		h.errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sid, "context_id": req.ContextID})
}

// logout destroys the caller's session and closes its push connections here.
// Other instances close theirs when the invalidation event arrives.
func (h *Handler) logout(c *gin.Context) {
	sid := session.IDFromRequest(c.Request)
	if err := h.sessions.Destroy(c.Request.Context(), sid); err != nil {
		h.errors.HandleError(c, err)
		return
	}
	closed := h.registry.EvictSession(sid, "logout")
	h.setCookie(c, "", time.Unix(0, 0))
	c.JSON(http.StatusOK, gin.H{"closed_connections": closed})
}

func (h *Handler) logoutUser(c *gin.Context) {
	uid := c.Param("id")
	ids, err := h.sessions.DestroyUser(c.Request.Context(), uid)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	closed := h.registry.EvictUser(uid, "logout everywhere")
	h.logger.Info("user logged out everywhere",
		zap.String("user_id", uid),
		zap.String("service", callerService(c)),
		zap.Int("sessions", len(ids)),
		zap.Int("connections", closed))
	c.JSON(http.StatusOK, gin.H{"destroyed_sessions": len(ids), "closed_connections": closed})
}

func (h *Handler) requireSession(c *gin.Context) (*session.Session, bool) {
	sid := session.IDFromRequest(c.Request)
	if sid == "" {
		h.errors.HandleError(c, errorx.ErrUnauthorized)
		return nil, false
	}
	sess, err := h.sessions.Get(c.Request.Context(), sid)
	if err != nil {
		h.errors.HandleError(c, err)
		return nil, false
	}
	return sess, true
}
