package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/accountguard/accountguard/internal/db/models"
)

var notificationCols = []string{"id", "recipient_id", "event_type", "title", "body", "payload", "read_at", "created_at"}

func newNotificationRepo(t *testing.T) (*NotificationRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewNotificationRepository(db), mock
}

func TestCreateNotification_Success(t *testing.T) {
	repo, mock := newNotificationRepo(t)
	mock.ExpectExec("INSERT INTO admin_notifications").
		WillReturnResult(sqlmock.NewResult(1, 1))

	n := &models.AdminNotification{
		RecipientID: "admin-1",
		EventType:   "rate_limit.exceeded",
		Title:       "Rate limit exceeded",
		Body:        "user exceeded data_export",
		Payload:     map[string]interface{}{"action_type": "data_export"},
	}
	if err := repo.CreateNotification(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID == "" {
		t.Error("expected ID to be assigned")
	}
}

func TestCreateNotification_DBError(t *testing.T) {
	repo, mock := newNotificationRepo(t)
	mock.ExpectExec("INSERT INTO admin_notifications").WillReturnError(errDB)

	if err := repo.CreateNotification(context.Background(), &models.AdminNotification{}); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestListForRecipient_UnreadOnly(t *testing.T) {
	repo, mock := newNotificationRepo(t)
	mock.ExpectQuery("SELECT.*FROM admin_notifications.*AND read_at IS NULL").
		WithArgs("admin-1", 20, 0).
		WillReturnRows(sqlmock.NewRows(notificationCols).
			AddRow("n1", "admin-1", "suspension.blocked", "User blocked", "body", []byte(`{"user_id":"u1"}`), nil, time.Now()))

	out, err := repo.ListForRecipient(context.Background(), "admin-1", true, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Payload["user_id"] != "u1" {
		t.Errorf("out = %+v", out)
	}
}

func TestListForRecipient_DBError(t *testing.T) {
	repo, mock := newNotificationRepo(t)
	mock.ExpectQuery("SELECT.*FROM admin_notifications").WillReturnError(errDB)

	if _, err := repo.ListForRecipient(context.Background(), "admin-1", false, 20, 0); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestMarkRead(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"owned notification", 1, true},
		{"missing or foreign notification", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newNotificationRepo(t)
			mock.ExpectExec("UPDATE admin_notifications SET read_at").
				WithArgs("n1", "admin-1", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			got, err := repo.MarkRead(context.Background(), "n1", "admin-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("MarkRead = %v, want %v", got, tt.want)
			}
		})
	}
}
