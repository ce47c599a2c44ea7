package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SessionTracker is the part of suspension.SessionRegistry the middleware needs
type SessionTracker interface {
	Track(sessionID, userID string, expiresAt time.Time)
	IsRevoked(sessionID string) bool
}

// SessionEnforcement rejects revoked and ended sessions with 401 and registers live ones for
// periodic suspension re-checks. It must run after AuthMiddleware.
func SessionEnforcement(sessions SessionTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			abortError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
			return
		}

		if sessions.IsRevoked(p.SessionID) {
			abortError(c, http.StatusUnauthorized, "session_revoked", "Session has been terminated")
			return
		}
		sessions.Track(p.SessionID, p.UserID, p.ExpiresAt)

		c.Next()
	}
}
