package middleware

import (
	"net/http"
	"slices"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/gin-gonic/gin"
)

// RequireRole allows principals holding one of roles. The role comes from the
// session token; the suspension manager re-checks privileges against the
// directory before any write.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			abortError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
			return
		}
		if !slices.Contains(roles, p.Role) {
			abortError(c, http.StatusForbidden, "insufficient_privilege", "Administrator role required")
			return
		}
		c.Next()
	}
}

// RequireAdmin allows owners and admins
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(models.RoleOwner, models.RoleAdmin)
}
