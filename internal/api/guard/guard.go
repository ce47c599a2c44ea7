// Package guard exposes the rate limiter to other services: a caller about to
// perform a sensitive action asks whether the current user may proceed.
package guard

import (
	"log/slog"
	"net/http"

	"github.com/accountguard/accountguard/internal/middleware"
	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// @Summary      Check an action against the user's quota
// @Description  Counts one request of action_type for the authenticated user. Allowed requests return the decision with X-RateLimit headers; exhausted quotas return 429 with Retry-After.
// @Tags         Guard
// @Security     Bearer
// @Produce      json
// @Param        action_type  path  string  true  "Action type"
// @Success      200  {object}  ratelimit.Decision
// @Failure      400  {object}  map[string]interface{}  "Unknown action type"
// @Failure      429  {object}  map[string]interface{}  "Quota exhausted"
// @Router       /api/v1/guard/{action_type} [post]
func CheckHandler(limiter middleware.ActionChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated", "code": "unauthenticated"})
			return
		}

		actionType := c.Param("action_type")
		d, err := limiter.Check(c.Request.Context(), p.UserID, actionType)
		if err != nil {
			if ratelimit.IsConfigError(err) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "unknown_action_type"})
				return
			}
			slog.Error("rate limit check failed", "user_id", p.UserID, "action_type", actionType, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Rate limit check failed", "code": "rate_limit_error"})
			return
		}

		if !middleware.WriteDecision(c, d) {
			return
		}
		c.JSON(http.StatusOK, d)
	}
}
