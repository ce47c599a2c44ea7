// ratelimits.go lets administrators inspect and reset a user's rate-limit windows.
package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/middleware"
	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// RateLimitService is the administrative side of ratelimit.Limiter
type RateLimitService interface {
	Status(ctx context.Context, userID, actionType string) (ratelimit.Usage, error)
	Reset(ctx context.Context, userID, actionType string) error
	Quotas() map[string]ratelimit.Quota
}

// ResetRecorder audits administrative resets
type ResetRecorder interface {
	RateLimitReset(ctx context.Context, actor *models.User, userID, actionType string) error
}

// RateLimitHandlers serves /api/v1/admin/rate-limits
type RateLimitHandlers struct {
	limiter RateLimitService
	users   UserLookup
	audit   ResetRecorder
}

// NewRateLimitHandlers creates the handlers. audit may be nil.
func NewRateLimitHandlers(limiter RateLimitService, users UserLookup, audit ResetRecorder) *RateLimitHandlers {
	return &RateLimitHandlers{limiter: limiter, users: users, audit: audit}
}

// ListUsage returns the user's window for every action type.
// GET /api/v1/admin/rate-limits/:user_id
func (h *RateLimitHandlers) ListUsage(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return
	}
	userID := c.Param("user_id")
	if !checkTenant(c, h.users, p, userID) {
		return
	}

	usage := make([]ratelimit.Usage, 0)
	for _, actionType := range ratelimit.ActionTypes(h.limiter.Quotas()) {
		u, err := h.limiter.Status(c.Request.Context(), userID, actionType)
		if err != nil {
			respondRateLimitError(c, err)
			return
		}
		usage = append(usage, u)
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "usage": usage})
}

// @Summary      Get rate-limit window
// @Tags         RateLimits
// @Security     Bearer
// @Produce      json
// @Param        user_id      path  string  true  "User ID"
// @Param        action_type  path  string  true  "Action type"
// @Success      200  {object}  ratelimit.Usage
// @Failure      400  {object}  map[string]interface{}  "Unknown action type"
// @Failure      404  {object}  map[string]interface{}  "User not found"
// @Failure      503  {object}  map[string]interface{}  "Window store unavailable"
// @Router       /api/v1/admin/rate-limits/{user_id}/{action_type} [get]
func (h *RateLimitHandlers) GetUsage(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return
	}
	userID := c.Param("user_id")
	if !checkTenant(c, h.users, p, userID) {
		return
	}

	u, err := h.limiter.Status(c.Request.Context(), userID, c.Param("action_type"))
	if err != nil {
		respondRateLimitError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// Reset clears the user's window for one action type.
// DELETE /api/v1/admin/rate-limits/:user_id/:action_type
func (h *RateLimitHandlers) Reset(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return
	}
	userID, actionType := c.Param("user_id"), c.Param("action_type")
	if !checkTenant(c, h.users, p, userID) {
		return
	}

	if err := h.limiter.Reset(c.Request.Context(), userID, actionType); err != nil {
		respondRateLimitError(c, err)
		return
	}

	if h.audit != nil {
		actor := &models.User{ID: p.UserID, Email: p.Email, TenantID: p.TenantID, Role: p.Role}
		if err := h.audit.RateLimitReset(c.Request.Context(), actor, userID, actionType); err != nil {
			slog.Warn("failed to audit rate limit reset", "user_id", userID, "action_type", actionType, "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}
