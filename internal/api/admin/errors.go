package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/accountguard/accountguard/internal/suspension"
	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

// respondSuspensionError maps suspension errors to HTTP statuses
func respondSuspensionError(c *gin.Context, err error) {
	var ve *suspension.ValidationError
	switch {
	case errors.As(err, &ve):
		status := http.StatusBadRequest
		if ve.Forbidden() {
			status = http.StatusForbidden
		}
		c.AbortWithStatusJSON(status, gin.H{"error": ve.Reason, "code": ve.Code, "field": ve.Field})
	case errors.Is(err, suspension.ErrUserNotFound):
		respondError(c, http.StatusNotFound, "user_not_found", "User not found")
	case errors.Is(err, suspension.ErrConcurrentModification):
		respondError(c, http.StatusConflict, "concurrent_modification", "The suspension was changed by another request; retry")
	case errors.Is(err, suspension.ErrStoreUnavailable):
		slog.Error("suspension store unavailable", "path", c.FullPath(), "error", err)
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", "Suspension service temporarily unavailable")
	default:
		slog.Error("suspension request failed", "path", c.FullPath(), "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// respondRateLimitError maps limiter errors to HTTP statuses
func respondRateLimitError(c *gin.Context, err error) {
	switch {
	case ratelimit.IsConfigError(err):
		respondError(c, http.StatusBadRequest, "unknown_action_type", err.Error())
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		slog.Error("rate limit store unavailable", "path", c.FullPath(), "error", err)
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", "Rate limit store temporarily unavailable")
	default:
		slog.Error("rate limit request failed", "path", c.FullPath(), "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}
