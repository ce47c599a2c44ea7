package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeAdmins struct {
	users     []*models.User
	err       error
	gotTenant string
	called    bool
}

func (f *fakeAdmins) ListAdministrators(_ context.Context, tenantID string) ([]*models.User, error) {
	f.called = true
	f.gotTenant = tenantID
	return f.users, f.err
}

type fakeInbox struct {
	mu      sync.Mutex
	rows    []*models.AdminNotification
	failFor string
}

func (f *fakeInbox) CreateNotification(_ context.Context, n *models.AdminNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.RecipientID == f.failFor {
		return errors.New("insert failed")
	}
	f.rows = append(f.rows, n)
	return nil
}

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []sentMail
	err   error
	delay time.Duration
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

type fakeThrottle struct {
	deny map[string]bool
	err  error
}

func (f *fakeThrottle) Allow(_ context.Context, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.deny[key], nil
}

func admins() *fakeAdmins {
	return &fakeAdmins{users: []*models.User{
		{ID: "o1", TenantID: "t1", Email: "owner@example.com", Name: "Olive", Role: models.RoleOwner},
		{ID: "a1", TenantID: "t1", Email: "admin@example.com", Role: models.RoleAdmin},
		{ID: "a2", TenantID: "t1", Email: "", Role: models.RoleAdmin},
	}}
}

func testPayload() Payload {
	return Payload{
		TenantID: "t1",
		Subject:  "Rate limit warning",
		Summary:  "user hit 90%",
		Details:  map[string]interface{}{"action_type": "invite", "percentage": 90},
	}
}

// ---------------------------------------------------------------------------
// NotifyAdmins
// ---------------------------------------------------------------------------

func TestNotifyAdmins_FansOutToEveryAdmin(t *testing.T) {
	dir, inbox, mailer := admins(), &fakeInbox{}, &fakeMailer{}
	d := NewDispatcher(dir, DispatcherOptions{Inbox: inbox, Mailer: mailer, PublicURL: "https://guard.example.com/"})

	err := d.NotifyAdmins(context.Background(), EventRateLimitWarning, testPayload())
	require.NoError(t, err)

	assert.Equal(t, "t1", dir.gotTenant)
	require.Len(t, inbox.rows, 3, "every admin gets an in-app row")
	for _, row := range inbox.rows {
		assert.Equal(t, EventRateLimitWarning, row.EventType)
		assert.Equal(t, "Rate limit warning", row.Title)
		assert.Equal(t, "user hit 90%", row.Body)
		assert.Equal(t, 90, row.Payload["percentage"])
	}

	require.Len(t, mailer.sent, 2, "admins without an email get no mail")
	recipients := []string{mailer.sent[0].to, mailer.sent[1].to}
	assert.ElementsMatch(t, []string{"owner@example.com", "admin@example.com"}, recipients)
	for _, m := range mailer.sent {
		assert.Equal(t, "Rate limit warning", m.subject)
		assert.Contains(t, m.body, "user hit 90%")
		assert.Contains(t, m.body, "action_type: invite")
		assert.Contains(t, m.body, "https://guard.example.com/admin")
	}
}

func TestNotifyAdmins_DirectoryError(t *testing.T) {
	dir := &fakeAdmins{err: errors.New("db down")}
	inbox := &fakeInbox{}
	d := NewDispatcher(dir, DispatcherOptions{Inbox: inbox})

	err := d.NotifyAdmins(context.Background(), EventUserBlocked, testPayload())
	assert.ErrorContains(t, err, "failed to list administrators")
	assert.Empty(t, inbox.rows)
}

func TestNotifyAdmins_RequiresTenant(t *testing.T) {
	dir, inbox := admins(), &fakeInbox{}
	d := NewDispatcher(dir, DispatcherOptions{Inbox: inbox})

	p := testPayload()
	p.TenantID = ""
	err := d.NotifyAdmins(context.Background(), EventRateLimitExceeded, p)

	assert.ErrorIs(t, err, ErrNoTenant)
	assert.False(t, dir.called, "directory must not be queried without a tenant")
	assert.Empty(t, inbox.rows)
}

func TestNotifyAdmins_NoAdmins(t *testing.T) {
	d := NewDispatcher(&fakeAdmins{}, DispatcherOptions{Inbox: &fakeInbox{}})
	assert.NoError(t, d.NotifyAdmins(context.Background(), EventUserBlocked, testPayload()))
}

func TestNotifyAdmins_PartialFailureContinues(t *testing.T) {
	inbox := &fakeInbox{failFor: "a1"}
	mailer := &fakeMailer{}
	d := NewDispatcher(admins(), DispatcherOptions{Inbox: inbox, Mailer: mailer})

	err := d.NotifyAdmins(context.Background(), EventUserSuspended, testPayload())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "in_app to a1")
	assert.Len(t, inbox.rows, 2)
	assert.Len(t, mailer.sent, 2, "email still goes out when the in-app row fails")
}

func TestNotifyAdmins_MailerError(t *testing.T) {
	d := NewDispatcher(admins(), DispatcherOptions{Mailer: &fakeMailer{err: errors.New("535 auth failed")}})

	err := d.NotifyAdmins(context.Background(), EventUserSuspended, testPayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email to o1")
	assert.Contains(t, err.Error(), "email to a1")
}

func TestNotifyAdmins_Throttled(t *testing.T) {
	mailer := &fakeMailer{}
	d := NewDispatcher(admins(), DispatcherOptions{
		Mailer:   mailer,
		Throttle: &fakeThrottle{deny: map[string]bool{"o1": true}},
	})

	require.NoError(t, d.NotifyAdmins(context.Background(), EventRateLimitExceeded, testPayload()))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "admin@example.com", mailer.sent[0].to)
}

func TestNotifyAdmins_ThrottleErrorStillSends(t *testing.T) {
	mailer := &fakeMailer{}
	d := NewDispatcher(admins(), DispatcherOptions{Mailer: mailer, Throttle: &fakeThrottle{err: errors.New("redis down")}})

	require.NoError(t, d.NotifyAdmins(context.Background(), EventRateLimitExceeded, testPayload()))
	assert.Len(t, mailer.sent, 2)
}

func TestNotifyAdmins_BoundedByTimeout(t *testing.T) {
	d := NewDispatcher(admins(), DispatcherOptions{
		Mailer:  &fakeMailer{delay: time.Minute},
		Timeout: 50 * time.Millisecond,
	})

	start := time.Now()
	err := d.NotifyAdmins(context.Background(), EventUserSuspended, testPayload())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
