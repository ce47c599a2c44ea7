// notification_repository.go implements NotificationRepository for in-app admin notifications.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/google/uuid"
)

// NotificationRepository handles admin_notifications database operations
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository creates a new NotificationRepository
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// CreateNotification stores an in-app notification for one administrator
func (r *NotificationRepository) CreateNotification(ctx context.Context, n *models.AdminNotification) error {
	n.ID = uuid.New().String()
	n.CreatedAt = time.Now()

	var payloadJSON []byte
	var err error
	if n.Payload != nil {
		payloadJSON, err = json.Marshal(n.Payload)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO admin_notifications (id, recipient_id, event_type, title, body, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		n.ID, n.RecipientID, n.EventType, n.Title, n.Body, payloadJSON, n.CreatedAt)
	return err
}

// ListForRecipient returns notifications for an administrator, newest first
func (r *NotificationRepository) ListForRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]*models.AdminNotification, error) {
	query := `
		SELECT id, recipient_id, event_type, title, body, payload, read_at, created_at
		FROM admin_notifications
		WHERE recipient_id = $1
	`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.AdminNotification, 0)
	for rows.Next() {
		n := &models.AdminNotification{}
		var payloadJSON []byte
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.EventType, &n.Title, &n.Body, &payloadJSON, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		if payloadJSON != nil {
			if err := json.Unmarshal(payloadJSON, &n.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead marks a notification as read. Returns false if the notification does not
// exist or does not belong to the recipient.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, recipientID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE admin_notifications SET read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND recipient_id = $2`, id, recipientID, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
