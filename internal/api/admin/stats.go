// stats.go serves the suspension statistics dashboard.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/accountguard/accountguard/internal/middleware"
	"github.com/accountguard/accountguard/internal/stats"
	"github.com/gin-gonic/gin"
)

const defaultStatsDays = 30

// DashboardSource builds statistics dashboards
type DashboardSource interface {
	Dashboard(ctx context.Context, tenantID string, days int) (*stats.Dashboard, error)
}

// StatsHandler handles stats-related API requests
type StatsHandler struct {
	stats DashboardSource
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(source DashboardSource) *StatsHandler {
	return &StatsHandler{stats: source}
}

// @Summary      Get suspension statistics
// @Description  Returns, for the caller's tenant, the daily trend, top reasons, duration distribution, most active administrators and rate-limit alert activity over the last N days.
// @Tags         Stats
// @Security     Bearer
// @Produce      json
// @Param        days  query  int  false  "Days to cover (1-365, default 30)"
// @Success      200  {object}  stats.Dashboard
// @Failure      400  {object}  map[string]interface{}  "Invalid day count"
// @Failure      503  {object}  map[string]interface{}  "Store unavailable"
// @Router       /api/v1/admin/suspensions/stats [get]
func (h *StatsHandler) GetDashboard(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok || p.TenantID == "" {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return
	}

	days := defaultStatsDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_range", "days must be an integer")
			return
		}
		days = n
	}

	dash, err := h.stats.Dashboard(c.Request.Context(), p.TenantID, days)
	if errors.Is(err, stats.ErrInvalidRange) {
		respondError(c, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}
	if err != nil {
		slog.Error("failed to build suspension stats", "days", days, "error", err)
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", "Statistics temporarily unavailable")
		return
	}
	c.JSON(http.StatusOK, dash)
}
