package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/db/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	entries   []*models.SuspensionHistoryEntry
	counts    repositories.RestrictedCounts
	listErr   error
	countErr  error
	gotFilter repositories.HistoryFilter
	gotTenant string
}

func (f *fakeHistory) ListHistory(_ context.Context, filter repositories.HistoryFilter) ([]*models.SuspensionHistoryEntry, error) {
	f.gotFilter = filter
	return f.entries, f.listErr
}

func (f *fakeHistory) CountRestricted(_ context.Context, tenantID string, _ time.Time) (repositories.RestrictedCounts, error) {
	f.gotTenant = tenantID
	return f.counts, f.countErr
}

type fakeActivity struct {
	rows      []repositories.RateLimitActivity
	err       error
	gotTenant string
}

func (f *fakeActivity) RateLimitActivitySince(_ context.Context, tenantID string, _ time.Time) ([]repositories.RateLimitActivity, error) {
	f.gotTenant = tenantID
	return f.rows, f.err
}

func newTestAggregator(h HistorySource, a ActivitySource) *Aggregator {
	agg := NewAggregator(h, a, time.Second)
	agg.now = func() time.Time { return now }
	return agg
}

func TestDashboard(t *testing.T) {
	h := &fakeHistory{
		entries: []*models.SuspensionHistoryEntry{
			withEmail(withReason(withUntil(entry(models.SuspensionActionSuspended, now.Add(-time.Hour)), 24*time.Hour), "spam"), "owner@x.io"),
			withEmail(entry(models.SuspensionActionBlocked, now.AddDate(0, 0, -2)), "owner@x.io"),
		},
		counts: repositories.RestrictedCounts{Suspended: 3, Blocked: 1},
	}
	a := &fakeActivity{rows: []repositories.RateLimitActivity{{ActionType: "invite", WarningCount: 2, ExceededCount: 1, DistinctUsers: 1}}}

	d, err := newTestAggregator(h, a).Dashboard(context.Background(), "t1", 7)
	require.NoError(t, err)

	require.NotNil(t, h.gotFilter.TenantID)
	assert.Equal(t, "t1", *h.gotFilter.TenantID)
	assert.Equal(t, "t1", h.gotTenant)
	assert.Equal(t, "t1", a.gotTenant)
	require.NotNil(t, h.gotFilter.Since)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), *h.gotFilter.Since)
	assert.Nil(t, h.gotFilter.UserID)

	assert.Equal(t, 7, d.Days)
	assert.Equal(t, 2, d.TotalEntries)
	assert.Equal(t, Current{Suspended: 3, Blocked: 1}, d.Current)
	assert.Len(t, d.Trend, 7)
	assert.Equal(t, 1, d.Trend[6].Suspended)
	assert.Equal(t, 1, d.Trend[4].Blocked)
	assert.Equal(t, []PerformerCount{{Email: "owner@x.io", Count: 2}}, d.TopPerformers)
	assert.Equal(t, 1, d.Durations.PermanentCount)
	assert.Equal(t, 1, d.Durations.TemporaryCount)
	assert.Equal(t, int64(24), d.Durations.AverageHours)
	assert.Equal(t, a.rows, d.RateLimitActivity)
}

func TestDashboard_InvalidRange(t *testing.T) {
	agg := newTestAggregator(&fakeHistory{}, nil)
	for _, days := range []int{0, -1, MaxDays + 1} {
		_, err := agg.Dashboard(context.Background(), "t1", days)
		assert.ErrorIs(t, err, ErrInvalidRange, "days=%d", days)
	}
}

func TestDashboard_RequiresTenant(t *testing.T) {
	h := &fakeHistory{}
	_, err := newTestAggregator(h, nil).Dashboard(context.Background(), "", 7)
	assert.ErrorIs(t, err, ErrNoTenant)
	assert.Nil(t, h.gotFilter.Since, "no store read without a tenant")
}

func TestDashboard_HistoryError(t *testing.T) {
	agg := newTestAggregator(&fakeHistory{listErr: errors.New("boom")}, nil)
	_, err := agg.Dashboard(context.Background(), "t1", 30)
	assert.ErrorContains(t, err, "list history")
}

func TestDashboard_CountError(t *testing.T) {
	agg := newTestAggregator(&fakeHistory{countErr: errors.New("boom")}, nil)
	_, err := agg.Dashboard(context.Background(), "t1", 30)
	assert.ErrorContains(t, err, "count restricted")
}

func TestDashboard_ActivityErrorLeavesPanelEmpty(t *testing.T) {
	agg := newTestAggregator(&fakeHistory{}, &fakeActivity{err: errors.New("audit table missing")})
	d, err := agg.Dashboard(context.Background(), "t1", 1)
	require.NoError(t, err)
	assert.Empty(t, d.RateLimitActivity)
	assert.NotNil(t, d.RateLimitActivity)
	assert.Len(t, d.Trend, 1)
	assert.Empty(t, d.Reasons)
}
