package audit

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/db/repositories"
	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/accountguard/accountguard/internal/suspension"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	rows []*models.AuditLog
	err  error
}

func (s *memStore) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	log.ID = "row-" + string(rune('a'+len(s.rows)))
	s.rows = append(s.rows, log)
	return nil
}

type memShipper struct {
	entries []*LogEntry
	err     error
}

func (s *memShipper) Ship(_ context.Context, e *LogEntry) error {
	s.entries = append(s.entries, e)
	return s.err
}

func (s *memShipper) Close() error { return nil }

type users map[string]*models.User

func (u users) GetUserByID(_ context.Context, id string) (*models.User, error) {
	return u[id], nil
}

var fixedNow = time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)

func newTestRecorder(store Store, shipper Shipper) *Recorder {
	r := NewRecorder(store, shipper, users{"u1": {ID: "u1", TenantID: "t1"}})
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestRecorder_RateLimitAlert(t *testing.T) {
	store, ship := &memStore{}, &memShipper{}
	r := newTestRecorder(store, ship)
	ctx := WithClientIP(context.Background(), "10.0.0.7")

	require.NoError(t, r.RateLimitAlert(ctx, ratelimit.Alert{
		Tier: ratelimit.TierExceeded, UserID: "u1", ActionType: "export",
		CurrentCount: 6, MaxRequests: 5, Percentage: 120, WindowMinutes: 60,
		WindowStart: fixedNow.Truncate(time.Hour), RetryAfterSeconds: 1800,
	}))

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, models.AuditActionRateLimitExceeded, row.Action)
	assert.Nil(t, row.UserID, "system generated")
	assert.Equal(t, "t1", *row.TenantID)
	assert.Equal(t, "u1", *row.ResourceID)
	assert.Equal(t, "export", row.Metadata["action_type"])
	assert.Equal(t, 1800, row.Metadata["retry_after_seconds"])
	assert.Equal(t, "10.0.0.7", *row.IPAddress)
	assert.Equal(t, fixedNow, row.CreatedAt)

	require.Len(t, ship.entries, 1)
	assert.Equal(t, row.ID, "row-a")
	assert.Equal(t, "rate_limit", ship.entries[0].ResourceType)
	assert.Equal(t, "10.0.0.7", ship.entries[0].IPAddress)
	assert.Equal(t, SeverityMedium, ship.entries[0].Severity)
}

func TestRecorder_WarningOmitsRetryAfter(t *testing.T) {
	store := &memStore{}
	require.NoError(t, newTestRecorder(store, nil).RateLimitAlert(context.Background(),
		ratelimit.Alert{Tier: ratelimit.TierWarning, UserID: "nobody", ActionType: "invite"}))

	row := store.rows[0]
	assert.Equal(t, models.AuditActionRateLimitWarning, row.Action)
	assert.NotContains(t, row.Metadata, "retry_after_seconds")
	assert.Nil(t, row.TenantID, "unknown user has no tenant")
	assert.Nil(t, row.IPAddress)
}

func TestRecorder_SuspensionChanged(t *testing.T) {
	store, ship := &memStore{}, &memShipper{}
	reason, category := "abuse", models.CategorySecurity
	until := fixedNow.Add(7 * 24 * time.Hour)

	err := newTestRecorder(store, ship).SuspensionChanged(context.Background(), suspension.Event{
		Action:   models.SuspensionActionSuspended,
		Target:   &models.User{ID: "u1", TenantID: "t1"},
		Actor:    &models.User{ID: "a1", TenantID: "t1"},
		Duration: suspension.DurationWeek,
		Result: suspension.Result{
			Entry:  &models.SuspensionHistoryEntry{ID: "h1", Reason: &reason, Category: &category, SuspendedUntil: &until},
			Status: suspension.Status{UserID: "u1", State: suspension.StateSuspended},
		},
	})
	require.NoError(t, err)

	row := store.rows[0]
	assert.Equal(t, "suspension.suspended", row.Action)
	assert.Equal(t, "a1", *row.UserID)
	assert.Equal(t, "u1", *row.ResourceID)
	assert.Equal(t, "user", *row.ResourceType)
	assert.Equal(t, "h1", row.Metadata["history_id"])
	assert.Equal(t, "7d", row.Metadata["duration"])
	assert.Equal(t, "security", row.Metadata["category"])
	assert.Equal(t, "2026-06-08T09:30:00Z", row.Metadata["suspended_until"])
	assert.Equal(t, "a1", ship.entries[0].ActorID)
	assert.Equal(t, SeverityMedium, ship.entries[0].Severity)
}

func TestRecorder_RateLimitReset(t *testing.T) {
	store := &memStore{}
	actor := &models.User{ID: "a1", TenantID: "t1"}
	r := newTestRecorder(store, nil)

	require.NoError(t, r.RateLimitReset(context.Background(), actor, "u1", ""))
	require.NoError(t, r.RateLimitReset(context.Background(), actor, "u1", "invite"))

	assert.Equal(t, models.AuditActionRateLimitReset, store.rows[0].Action)
	assert.Equal(t, "all", store.rows[0].Metadata["action_type"])
	assert.Equal(t, "invite", store.rows[1].Metadata["action_type"])
}

func TestRecorder_StoreErrorSkipsShipping(t *testing.T) {
	ship := &memShipper{}
	r := newTestRecorder(&memStore{err: errors.New("db down")}, ship)

	err := r.RateLimitReset(context.Background(), &models.User{ID: "a1"}, "u1", "invite")
	assert.EqualError(t, err, "db down")
	assert.Empty(t, ship.entries)
}

func TestRecorder_ShipErrorIsNotFatal(t *testing.T) {
	store := &memStore{}
	r := newTestRecorder(store, &memShipper{err: errors.New("siem down")})

	assert.NoError(t, r.RateLimitReset(context.Background(), &models.User{ID: "a1"}, "u1", "invite"))
	assert.Len(t, store.rows, 1)
}

type anyJSON struct{}

func (anyJSON) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	return ok && len(b) > 0 && b[0] == '{'
}

func TestRecorder_WithAuditRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(sqlmock.AnyArg(), "a1", "t1", models.AuditActionRateLimitReset, "rate_limit", "u1",
			anyJSON{}, nil, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := newTestRecorder(repositories.NewAuditRepository(db), nil)
	require.NoError(t, r.RateLimitReset(context.Background(), &models.User{ID: "a1", TenantID: "t1"}, "u1", "invite"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
