package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/common/errorx"
	"github.com/amoylab/beacon/internal/router"
)

type notifyRequest struct {
	Scope    router.Scope    `json:"scope"`
	Category string          `json:"category"`
	Priority cnst.Priority   `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	Durable  bool            `json:"durable"`
}

// notify is the producer API over HTTP. It answers once the message is written
// or persisted; it never waits for the client to acknowledge.
func (h *Handler) notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errors.HandleError(c, errorx.ValidationError("body", err.Error()))
		return
	}

	res, err := h.router.Publish(c.Request.Context(), &router.Message{
		Scope:    req.Scope,
		Category: req.Category,
		Priority: req.Priority,
		Payload:  req.Payload,
		Durable:  req.Durable,
	})
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

type statsResponse struct {
	ActiveSessions int64          `json:"active_sessions"`
	Connections    map[string]int `json:"connections"`
	BacklogDepth   int64          `json:"backlog_depth"`
}

func (h *Handler) stats(c *gin.Context) {
	ctx := c.Request.Context()
	sessions, err := h.sessions.Count(ctx)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	depth, err := h.backlog.Depth(ctx)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	conns := make(map[string]int)
	for ns, n := range h.registry.Counts() {
		conns[strings.TrimPrefix(ns.String(), "/")] = n
	}
	c.JSON(http.StatusOK, statsResponse{
		ActiveSessions: sessions,
		Connections:    conns,
		BacklogDepth:   depth,
	})
}
