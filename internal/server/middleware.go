package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/cnst"
)

// loggerMiddleware logs every request once it completes. Push upgrades log on close.
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	lg := s.logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		lg.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int("size", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// corsMiddleware admits credentialed browser calls from the same origins the gate allows
func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowHeaders := strings.Join([]string{"Content-Type", "Authorization", cnst.CSRFHeaderName}, ", ")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if s.gate.CheckOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
