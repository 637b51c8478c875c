package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/amoylab/beacon/internal/auth/jwt"
	"github.com/amoylab/beacon/internal/common/errorx"
)

const claimsKey = "claims"

// ServiceAuth requires a producer bearer token
func ServiceAuth(svc *jwt.Service, eh *errorx.ErrorHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			eh.HandleError(c, errorx.ErrUnauthorized)
			return
		}

		claims, err := svc.ValidateToken(token)
		if err != nil {
			eh.HandleError(c, errorx.ErrUnauthorized.WithDetail("reason", err.Error()))
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func callerService(c *gin.Context) string {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*jwt.Claims); ok {
			return claims.Service
		}
	}
	return ""
}
