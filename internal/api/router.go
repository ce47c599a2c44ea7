// Package api wires together all HTTP routes of the account guard service.
//
// Route groups:
//   - /health is public.
//   - /api/v1/auth starts and completes the OIDC login; it is throttled per
//     client IP because no user is known yet.
//   - /api/v1/guard and /api/v1/session require a live session token.
//   - /api/v1/admin additionally requires the owner or admin role.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/accountguard/accountguard/internal/api/admin"
	"github.com/accountguard/accountguard/internal/api/guard"
	"github.com/accountguard/accountguard/internal/config"
	"github.com/accountguard/accountguard/internal/middleware"
	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// Pinger checks database connectivity
type Pinger interface {
	PingContext(ctx context.Context) error
}

// TokenService issues and verifies session tokens
type TokenService interface {
	middleware.TokenVerifier
	admin.TokenIssuer
}

// Limiter is the rate limiter as seen by the HTTP layer
type Limiter interface {
	middleware.ActionChecker
	admin.RateLimitService
}

// Suspensions is the suspension manager as seen by the HTTP layer
type Suspensions interface {
	admin.SuspensionService
	admin.RestrictionChecker
}

// Sessions is the session registry as seen by the HTTP layer
type Sessions interface {
	middleware.SessionTracker
	admin.SessionService
}

// Dependencies are the services behind the routes. OIDC, Audit and
// LoginThrottle are optional.
type Dependencies struct {
	Config        *config.Config
	DB            Pinger
	Tokens        TokenService
	OIDC          admin.LoginProvider
	Users         admin.AccountDirectory
	Limiter       Limiter
	Suspensions   Suspensions
	Sessions      Sessions
	Stats         admin.DashboardSource
	Notifications admin.NotificationStore
	Audit         admin.ResetRecorder
	LoginThrottle *middleware.ClientThrottle
}

// NewRouter creates and configures the Gin router
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(deps.Config.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(deps.DB))

	authHandlers := admin.NewAuthHandlers(admin.AuthDependencies{
		OIDC:         deps.OIDC,
		Users:        deps.Users,
		Tokens:       deps.Tokens,
		Sessions:     deps.Sessions,
		Restrictions: deps.Suspensions,
		Limiter:      deps.Limiter,
	})
	suspensionHandlers := admin.NewSuspensionHandlers(deps.Suspensions, deps.Users)
	rateLimitHandlers := admin.NewRateLimitHandlers(deps.Limiter, deps.Users, deps.Audit)
	statsHandler := admin.NewStatsHandler(deps.Stats)
	notificationHandlers := admin.NewNotificationHandlers(deps.Notifications)

	apiV1 := router.Group("/api/v1")
	{
		authGroup := apiV1.Group("/auth")
		if deps.LoginThrottle != nil {
			authGroup.Use(deps.LoginThrottle.Middleware())
		}
		{
			authGroup.GET("/login", authHandlers.Login)
			authGroup.GET("/callback", authHandlers.Callback)
		}

		authenticated := apiV1.Group("")
		authenticated.Use(middleware.AuthMiddleware(deps.Tokens))
		authenticated.Use(middleware.SessionEnforcement(deps.Sessions))
		{
			authenticated.POST("/guard/:action_type", guard.CheckHandler(deps.Limiter))

			authenticated.POST("/session/refresh", authHandlers.Refresh)
			authenticated.DELETE("/session", authHandlers.Logout)

			adminGroup := authenticated.Group("/admin")
			adminGroup.Use(middleware.RequireAdmin())
			{
				adminGroup.GET("/users/:id/suspension", suspensionHandlers.GetStatus)
				adminGroup.POST("/users/:id/suspension", suspensionHandlers.Suspend)
				adminGroup.PUT("/users/:id/suspension", suspensionHandlers.Modify)
				adminGroup.DELETE("/users/:id/suspension", suspensionHandlers.Lift)
				adminGroup.GET("/users/:id/suspension/history", suspensionHandlers.History)

				adminGroup.GET("/suspensions/stats", statsHandler.GetDashboard)

				adminGroup.GET("/rate-limits/:user_id", rateLimitHandlers.ListUsage)
				adminGroup.GET("/rate-limits/:user_id/:action_type", rateLimitHandlers.GetUsage)
				adminGroup.DELETE("/rate-limits/:user_id/:action_type",
					middleware.ActionGuard(deps.Limiter, ratelimit.ActionSettingsChange), rateLimitHandlers.Reset)

				adminGroup.GET("/notifications", notificationHandlers.List)
				adminGroup.POST("/notifications/:id/read", notificationHandlers.MarkRead)
			}
		}
	}

	return router
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
