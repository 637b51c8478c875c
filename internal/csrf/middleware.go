package csrf

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/amoylab/beacon/internal/common/cnst"
	"github.com/amoylab/beacon/internal/common/errorx"
	"github.com/amoylab/beacon/internal/session"
)

// Middleware requires a valid X-CSRF-Token on state-changing requests.
// Safe methods pass through untouched.
func Middleware(b *Bridge, eh *errorx.ErrorHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		sid := session.IDFromRequest(c.Request)
		if sid == "" {
			eh.HandleError(c, errorx.ErrUnauthorized)
			return
		}
		err := b.Check(c.Request.Context(), sid, c.GetHeader(cnst.CSRFHeaderName))
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, cnst.ErrStoreUnavailable):
			eh.HandleError(c, err)
		default:
			eh.HandleError(c, errorx.ErrInvalidCSRFToken)
		}
	}
}
