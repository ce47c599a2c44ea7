// notifications.go serves the in-app notification inbox of administrators.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/middleware"
	"github.com/gin-gonic/gin"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// NotificationStore reads and acknowledges in-app notifications
type NotificationStore interface {
	ListForRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]*models.AdminNotification, error)
	MarkRead(ctx context.Context, id, recipientID string) (bool, error)
}

// NotificationHandlers serves /api/v1/admin/notifications
type NotificationHandlers struct {
	store NotificationStore
}

// NewNotificationHandlers creates the handlers
func NewNotificationHandlers(store NotificationStore) *NotificationHandlers {
	return &NotificationHandlers{store: store}
}

// List returns the caller's notifications, newest first.
// GET /api/v1/admin/notifications?unread=true&limit=50&offset=0
func (h *NotificationHandlers) List(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return
	}

	limit, err := queryInt(c, "limit", defaultNotificationLimit)
	if err != nil || limit < 1 {
		respondError(c, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		respondError(c, http.StatusBadRequest, "invalid_request", "offset must be a non-negative integer")
		return
	}
	limit = min(limit, maxNotificationLimit)
	unreadOnly := c.Query("unread") == "true"

	items, err := h.store.ListForRecipient(c.Request.Context(), p.UserID, unreadOnly, limit, offset)
	if err != nil {
		slog.Error("failed to list notifications", "user_id", p.UserID, "error", err)
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", "Notifications temporarily unavailable")
		return
	}
	if items == nil {
		items = []*models.AdminNotification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items, "limit": limit, "offset": offset})
}

// MarkRead acknowledges one notification.
// POST /api/v1/admin/notifications/:id/read
func (h *NotificationHandlers) MarkRead(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return
	}

	found, err := h.store.MarkRead(c.Request.Context(), c.Param("id"), p.UserID)
	if err != nil {
		slog.Error("failed to mark notification read", "id", c.Param("id"), "error", err)
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", "Notifications temporarily unavailable")
		return
	}
	if !found {
		respondError(c, http.StatusNotFound, "not_found", "Notification not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
