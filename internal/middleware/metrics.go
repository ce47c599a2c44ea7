// Package middleware provides the Gin middleware of the guard API: request ids,
// metrics, request logging, CORS and security headers, session token
// authentication, role checks, session enforcement and the per-action guard.
//
// Order, as registered in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → SecurityHeaders
//	  → Auth → SessionEnforcement → RequireAdmin / ActionGuard → Handler
package middleware

import (
	"strconv"
	"time"

	"github.com/accountguard/accountguard/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// MetricsMiddleware records http_requests_total{method, path, status} and
// http_request_duration_seconds{method, path}. path is the matched route template;
// unmatched requests use "<no-route>" to bound label cardinality.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
