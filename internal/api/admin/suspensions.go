// suspensions.go implements the administrator endpoints that suspend, block,
// modify and lift user accounts.
package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/identity"
	"github.com/accountguard/accountguard/internal/middleware"
	"github.com/accountguard/accountguard/internal/suspension"
	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// SuspensionService is the part of suspension.Manager the handlers use
type SuspensionService interface {
	Suspend(ctx context.Context, actorID, userID string, req suspension.Request) (*suspension.Result, error)
	Modify(ctx context.Context, actorID, userID string, req suspension.Request) (*suspension.Result, error)
	Lift(ctx context.Context, actorID, userID, reason string) (*suspension.Result, error)
	Status(ctx context.Context, userID string) (suspension.Status, error)
	History(ctx context.Context, userID string, limit int) ([]*models.SuspensionHistoryEntry, error)
}

// UserLookup resolves users by id
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// SuspensionHandlers serves /api/v1/admin/users/:id/suspension
type SuspensionHandlers struct {
	manager SuspensionService
	users   UserLookup
}

// NewSuspensionHandlers creates the handlers
func NewSuspensionHandlers(manager SuspensionService, users UserLookup) *SuspensionHandlers {
	return &SuspensionHandlers{manager: manager, users: users}
}

type liftRequest struct {
	Reason string `json:"reason"`
}

// @Summary      Get suspension status
// @Tags         Suspensions
// @Security     Bearer
// @Produce      json
// @Param        id   path  string  true  "User ID"
// @Success      200  {object}  suspension.Status
// @Failure      404  {object}  map[string]interface{}  "User not found"
// @Failure      503  {object}  map[string]interface{}  "Suspension store unavailable"
// @Router       /api/v1/admin/users/{id}/suspension [get]
func (h *SuspensionHandlers) GetStatus(c *gin.Context) {
	userID := c.Param("id")
	if !h.visible(c, userID) {
		return
	}

	st, err := h.manager.Status(c.Request.Context(), userID)
	if err != nil {
		respondSuspensionError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Suspend or block a user
// @Description  A duration of "permanent" blocks the account; any other duration suspends it until now + duration.
// @Tags         Suspensions
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string              true  "User ID"
// @Param        body  body  suspension.Request  true  "Duration, reason and category"
// @Success      200  {object}  suspension.Result
// @Failure      400  {object}  map[string]interface{}  "Invalid duration, category or transition"
// @Failure      403  {object}  map[string]interface{}  "Insufficient privilege"
// @Failure      404  {object}  map[string]interface{}  "User not found"
// @Failure      409  {object}  map[string]interface{}  "Concurrent modification"
// @Router       /api/v1/admin/users/{id}/suspension [post]
func (h *SuspensionHandlers) Suspend(c *gin.Context) {
	h.apply(c, h.manager.Suspend)
}

// Modify changes the duration, reason or category of an existing restriction.
// PUT /api/v1/admin/users/:id/suspension
func (h *SuspensionHandlers) Modify(c *gin.Context) {
	h.apply(c, h.manager.Modify)
}

func (h *SuspensionHandlers) apply(c *gin.Context, op func(ctx context.Context, actorID, userID string, req suspension.Request) (*suspension.Result, error)) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return
	}

	var req suspension.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	res, err := op(c.Request.Context(), p.UserID, c.Param("id"), req)
	if err != nil {
		respondSuspensionError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary      Lift a suspension
// @Tags         Suspensions
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string  true   "User ID"
// @Param        body  body  object  false  "Optional reason"
// @Success      200  {object}  suspension.Result
// @Router       /api/v1/admin/users/{id}/suspension [delete]
func (h *SuspensionHandlers) Lift(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return
	}

	var req liftRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	res, err := h.manager.Lift(c.Request.Context(), p.UserID, c.Param("id"), req.Reason)
	if err != nil {
		respondSuspensionError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// History lists the user's suspension history, newest first.
// GET /api/v1/admin/users/:id/suspension/history?limit=N
func (h *SuspensionHandlers) History(c *gin.Context) {
	userID := c.Param("id")
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if !h.visible(c, userID) {
		return
	}

	entries, err := h.manager.History(c.Request.Context(), userID, limit)
	if err != nil {
		respondSuspensionError(c, err)
		return
	}
	if entries == nil {
		entries = []*models.SuspensionHistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "entries": entries})
}

// visible checks that the target exists in the caller's tenant. It writes the
// error response and returns false otherwise.
func (h *SuspensionHandlers) visible(c *gin.Context, userID string) bool {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return false
	}
	return checkTenant(c, h.users, p, userID)
}

func checkTenant(c *gin.Context, users UserLookup, p *identity.Principal, userID string) bool {
	u, err := users.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		slog.Error("failed to look up user", "user_id", userID, "error", err)
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", "User directory temporarily unavailable")
		return false
	}
	if u == nil || u.TenantID != p.TenantID {
		respondError(c, http.StatusNotFound, "user_not_found", "User not found")
		return false
	}
	return true
}
