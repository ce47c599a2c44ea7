package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// DecisionKey holds the ratelimit.Decision of the guarded request
const DecisionKey = "rate_limit_decision"

// ActionChecker counts an action against the user's quota
type ActionChecker interface {
	Check(ctx context.Context, userID, actionType string) (ratelimit.Decision, error)
}

// ActionGuard counts the request as actionType for the authenticated user and
// rejects it with 429 once the quota is exhausted. Store outages fail open inside
// the limiter; only an unknown action type aborts with 500.
func ActionGuard(limiter ActionChecker, actionType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			abortError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
			return
		}

		d, err := limiter.Check(c.Request.Context(), p.UserID, actionType)
		if err != nil {
			var cfgErr *ratelimit.ConfigError
			if errors.As(err, &cfgErr) {
				slog.Error("guarded route uses unknown action type", "action_type", actionType, "path", c.FullPath())
			}
			abortError(c, http.StatusInternalServerError, "rate_limit_error", "Rate limit check failed")
			return
		}

		c.Set(DecisionKey, d)
		if !WriteDecision(c, d) {
			return
		}
		c.Next()
	}
}

// WriteDecision sets the X-RateLimit headers. For a denied decision it also sets
// Retry-After, writes the 429 body, aborts and returns false.
func WriteDecision(c *gin.Context, d ratelimit.Decision) bool {
	if d.FailedOpen {
		return true
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.MaxRequests))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}

	c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":               "Rate limit exceeded",
		"code":                "rate_limited",
		"action_type":         d.ActionType,
		"current_count":       d.CurrentCount,
		"max_requests":        d.MaxRequests,
		"window_minutes":      d.WindowMinutes,
		"retry_after_seconds": d.RetryAfterSeconds,
	})
	return false
}
