package session

import (
	"net/http"
	"strings"

	"github.com/amoylab/beacon/internal/common/cnst"
)

// IDFromRequest returns the session id presented by the client. The cookie wins,
// then an "Authorization: Session <id>" header, then the sid query parameter which
// browsers use for WebSocket upgrades when cookies are unavailable.
func IDFromRequest(r *http.Request) string {
	if c, err := r.Cookie(cnst.SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, id, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, cnst.SessionHeaderScheme) {
			return strings.TrimSpace(id)
		}
	}
	return r.URL.Query().Get(cnst.SessionQueryParam)
}
