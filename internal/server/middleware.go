package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shellus/tailexplorer/internal/auth"
)

const sessionCookie = "tailexplorer_session"

// extractToken pulls the session token from the request: cookie first (the
// browser path, also usable during a WebSocket handshake), then the token
// query parameter for non-browser streaming clients, then an Authorization
// bearer header.
func extractToken(r *http.Request) string {
	if ck, err := r.Cookie(sessionCookie); err == nil && ck.Value != "" {
		return ck.Value
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// requireAuth rejects requests that do not carry a valid session token.
func (r *Router) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := r.gate.Validate(c.Request.Context(), extractToken(c.Request)); err != nil {
			msg := "authentication required"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "session expired"
			}
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: msg})
			c.Abort()
			return
		}
		c.Next()
	}
}

func setSessionCookie(c *gin.Context, token string, ttl time.Duration) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, token, int(ttl.Seconds()), "/", "", false, true)
}

func clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
}
