package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (s *recordingSink) RateLimitAlert(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *recordingSink) count(tier Tier) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.Tier == tier {
			n++
		}
	}
	return n
}

type failingStore struct {
	MemoryStore
	err error
}

func (s *failingStore) Increment(context.Context, string, string, time.Time, time.Duration) (Window, error) {
	return Window{}, s.err
}

func (s *failingStore) Get(context.Context, string, string) (Window, bool, error) {
	return Window{}, false, s.err
}

func (s *failingStore) Reset(context.Context, string, string) error { return s.err }

// blockingStore never answers before the context is done
type blockingStore struct{ MemoryStore }

func (s *blockingStore) Increment(ctx context.Context, _, _ string, _ time.Time, _ time.Duration) (Window, error) {
	<-ctx.Done()
	return Window{}, ctx.Err()
}

type failingDeduper struct{}

func (failingDeduper) FirstAlert(context.Context, string, string, time.Time, Tier) (bool, error) {
	return false, errors.New("dedupe store down")
}

func newTestLimiter(t *testing.T, quotas map[string]Quota) (*Limiter, *fakeClock, *recordingSink) {
	t.Helper()
	clock := newFakeClock()
	sink := &recordingSink{}
	l := New(NewMemoryStore(), Options{Quotas: quotas, Alerts: sink, Clock: clock.Now})
	return l, clock, sink
}

// ---------------------------------------------------------------------------
// Quota table
// ---------------------------------------------------------------------------

func TestDefaultQuotas_MatchProductionTable(t *testing.T) {
	want := map[string]Quota{
		"role_change":     {10, 60},
		"data_export":     {5, 60},
		"data_import":     {10, 60},
		"password_change": {3, 60},
		"login_attempt":   {5, 15},
		"team_invite":     {20, 60},
		"settings_change": {30, 60},
	}
	assert.Equal(t, want, DefaultQuotas())
	assert.Equal(t, time.Hour, LongestWindow(DefaultQuotas()))
	assert.Equal(t, []string{"data_export", "data_import", "login_attempt", "password_change", "role_change", "settings_change", "team_invite"},
		ActionTypes(DefaultQuotas()))
}

func TestDefaultQuotas_ReturnsCopy(t *testing.T) {
	q := DefaultQuotas()
	q[ActionDataExport] = Quota{MaxRequests: 1000, WindowMinutes: 1}
	assert.Equal(t, 5, DefaultQuotas()[ActionDataExport].MaxRequests)
}

// ---------------------------------------------------------------------------
// Check
// ---------------------------------------------------------------------------

func TestCheck_AllowsUpToQuotaThenDenies(t *testing.T) {
	for actionType, q := range DefaultQuotas() {
		t.Run(actionType, func(t *testing.T) {
			l, _, _ := newTestLimiter(t, nil)
			ctx := context.Background()

			for i := 1; i <= q.MaxRequests; i++ {
				d, err := l.Check(ctx, "user-1", actionType)
				require.NoError(t, err)
				require.Truef(t, d.Allowed, "call %d should be allowed", i)
				assert.Equal(t, i, d.CurrentCount)
				assert.Equal(t, q.MaxRequests-i, d.Remaining)
				assert.Zero(t, d.RetryAfterSeconds)
			}

			d, err := l.Check(ctx, "user-1", actionType)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, q.MaxRequests+1, d.CurrentCount)
			assert.Equal(t, 0, d.Remaining)
			assert.Equal(t, q.WindowMinutes*60, d.RetryAfterSeconds)
		})
	}
}

func TestCheck_RetryAfterCountsDownToWindowEnd(t *testing.T) {
	l, clock, _ := newTestLimiter(t, map[string]Quota{"x": {MaxRequests: 1, WindowMinutes: 15}})
	ctx := context.Background()

	_, err := l.Check(ctx, "u", "x")
	require.NoError(t, err)
	clock.Advance(10*time.Minute + 500*time.Millisecond)

	d, err := l.Check(ctx, "u", "x")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 300, d.RetryAfterSeconds) // 4m59.5s rounds up
}

func TestCheck_FreshWindowAfterElapse(t *testing.T) {
	for actionType, q := range DefaultQuotas() {
		t.Run(actionType, func(t *testing.T) {
			l, clock, _ := newTestLimiter(t, nil)
			ctx := context.Background()

			for i := 0; i <= q.MaxRequests; i++ {
				_, err := l.Check(ctx, "user-1", actionType)
				require.NoError(t, err)
			}

			clock.Advance(q.Window())
			d, err := l.Check(ctx, "user-1", actionType)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.CurrentCount)
		})
	}
}

func TestCheck_UsersAndActionsAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = l.Check(ctx, "user-1", ActionPasswordChange)
	}
	d, _ := l.Check(ctx, "user-2", ActionPasswordChange)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.CurrentCount)

	d, _ = l.Check(ctx, "user-1", ActionRoleChange)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.CurrentCount)
}

func TestCheck_UnknownActionType(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil)

	_, err := l.Check(context.Background(), "user-1", "delete_everything")
	require.Error(t, err)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "delete_everything", ce.ActionType)
	assert.True(t, IsConfigError(err))
}

func TestCheck_ConcurrentIncrementsAllowExactlyQuota(t *testing.T) {
	const n, m = 64, 10
	l, _, sink := newTestLimiter(t, map[string]Quota{"burst": {MaxRequests: m, WindowMinutes: 60}})

	var allowed, denied atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := l.Check(context.Background(), "user-1", "burst")
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, m, allowed.Load())
	assert.EqualValues(t, n-m, denied.Load())
	assert.Equal(t, 1, sink.count(TierExceeded))
	assert.Equal(t, 1, sink.count(TierWarning))
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

func TestCheck_WarningFiresOncePerEpisode(t *testing.T) {
	l, clock, sink := newTestLimiter(t, map[string]Quota{"bulk": {MaxRequests: 100, WindowMinutes: 60}})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := l.Check(ctx, "user-1", "bulk")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, sink.count(TierWarning))
	assert.Equal(t, 0, sink.count(TierExceeded))

	first := sink.alerts[0]
	assert.Equal(t, 90, first.CurrentCount)
	assert.Equal(t, 90, first.Percentage)

	// A new window is a new episode
	clock.Advance(time.Hour)
	for i := 0; i < 95; i++ {
		_, _ = l.Check(ctx, "user-1", "bulk")
	}
	assert.Equal(t, 2, sink.count(TierWarning))
}

func TestCheck_ExceededFiresOncePerDeniedEpisode(t *testing.T) {
	l, clock, sink := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, _ = l.Check(ctx, "user-1", ActionDataExport)
	}
	require.Equal(t, 1, sink.count(TierExceeded))
	a := sink.alerts[len(sink.alerts)-1]
	assert.Equal(t, 6, a.CurrentCount)
	assert.Equal(t, 120, a.Percentage)
	assert.Equal(t, 3600, a.RetryAfterSeconds)

	clock.Advance(time.Hour)
	for i := 0; i < 6; i++ {
		_, _ = l.Check(ctx, "user-1", ActionDataExport)
	}
	assert.Equal(t, 2, sink.count(TierExceeded))
}

func TestCheck_NoWarningWhenNoCountFallsInWarningBand(t *testing.T) {
	// 4/5 = 80%, 5/5 = 100%: the [90%, 100%) band holds no integer count.
	l, _, sink := newTestLimiter(t, nil)
	for i := 0; i < 5; i++ {
		_, _ = l.Check(context.Background(), "user-1", ActionDataExport)
	}
	assert.Equal(t, 0, sink.count(TierWarning))
}

func TestCheck_SharedDedupeAcrossLimiters(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	sink := &recordingSink{}
	quotas := map[string]Quota{"x": {MaxRequests: 2, WindowMinutes: 60}}
	a := New(store, Options{Quotas: quotas, Alerts: sink, Clock: clock.Now, Deduper: NewStoreDeduper(store)})
	b := New(store, Options{Quotas: quotas, Alerts: sink, Clock: clock.Now, Deduper: NewStoreDeduper(store)})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = a.Check(ctx, "u", "x")
		_, _ = b.Check(ctx, "u", "x")
	}
	assert.Equal(t, 1, sink.count(TierExceeded))
}

func TestCheck_AlertFailureDoesNotAffectDecision(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{err: errors.New("smtp down")}
	l := New(NewMemoryStore(), Options{Quotas: map[string]Quota{"x": {1, 60}}, Alerts: sink, Clock: clock.Now})

	_, _ = l.Check(context.Background(), "u", "x")
	d, err := l.Check(context.Background(), "u", "x")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, sink.count(TierExceeded))
}

func TestCheck_DedupeFailureSkipsAlert(t *testing.T) {
	sink := &recordingSink{}
	l := New(NewMemoryStore(), Options{Quotas: map[string]Quota{"x": {1, 60}}, Alerts: sink, Deduper: failingDeduper{}})

	_, _ = l.Check(context.Background(), "u", "x")
	d, err := l.Check(context.Background(), "u", "x")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, sink.count(TierExceeded))
}

func TestCheck_AsyncAlerts(t *testing.T) {
	got := make(chan Alert, 1)
	sink := AlertSinkFunc(func(_ context.Context, a Alert) error {
		got <- a
		return nil
	})
	l := New(NewMemoryStore(), Options{Quotas: map[string]Quota{"x": {1, 60}}, Alerts: sink, AsyncAlerts: true})

	_, _ = l.Check(context.Background(), "u", "x")
	ctx, cancel := context.WithCancel(context.Background())
	_, err := l.Check(ctx, "u", "x")
	require.NoError(t, err)
	cancel() // the request finishing must not cancel the dispatch

	select {
	case a := <-got:
		assert.Equal(t, TierExceeded, a.Tier)
	case <-time.After(2 * time.Second):
		t.Fatal("async alert was not delivered")
	}
}

// ---------------------------------------------------------------------------
// Fail open
// ---------------------------------------------------------------------------

func TestCheck_FailsOpenOnStoreError(t *testing.T) {
	l := New(&failingStore{err: errors.New("connection refused")}, Options{})

	for i := 0; i < 10; i++ {
		d, err := l.Check(context.Background(), "user-1", ActionPasswordChange)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.FailedOpen)
		assert.Equal(t, 3, d.MaxRequests)
	}
}

func TestCheck_FailsOpenOnStoreTimeout(t *testing.T) {
	l := New(&blockingStore{}, Options{StoreTimeout: 20 * time.Millisecond})

	start := time.Now()
	d, err := l.Check(context.Background(), "user-1", ActionLoginAttempt)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.FailedOpen)
	assert.Less(t, time.Since(start), time.Second)
}

// ---------------------------------------------------------------------------
// WithRateLimit
// ---------------------------------------------------------------------------

func TestWithRateLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Quota{"x": {1, 60}})
	ctx := context.Background()
	calls := 0
	action := func(context.Context) (string, error) {
		calls++
		return "done", nil
	}

	res, d, err := WithRateLimit(ctx, l, "u", "x", action)
	require.NoError(t, err)
	assert.Equal(t, "done", res)
	assert.True(t, d.Allowed)

	res, d, err = WithRateLimit(ctx, l, "u", "x", action)
	var le *LimitExceededError
	require.ErrorAs(t, err, &le)
	assert.Empty(t, res)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, calls, "denied action must not run")
	assert.Contains(t, err.Error(), "retry after 3600s")
}

func TestWithRateLimit_PropagatesActionError(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil)
	boom := errors.New("boom")

	_, _, err := WithRateLimit(context.Background(), l, "u", ActionTeamInvite, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithRateLimit_UnknownAction(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil)
	ran := false
	_, _, err := WithRateLimit(context.Background(), l, "u", "nope", func(context.Context) (bool, error) {
		ran = true
		return true, nil
	})
	assert.True(t, IsConfigError(err))
	assert.False(t, ran)
}

// ---------------------------------------------------------------------------
// Status / Reset / Cleanup
// ---------------------------------------------------------------------------

func TestStatus(t *testing.T) {
	l, clock, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	u, err := l.Status(ctx, "u", ActionRoleChange)
	require.NoError(t, err)
	assert.Equal(t, 0, u.CurrentCount)
	assert.Equal(t, 10, u.Remaining)
	assert.Nil(t, u.WindowStart)

	for i := 0; i < 3; i++ {
		_, _ = l.Check(ctx, "u", ActionRoleChange)
	}
	u, err = l.Status(ctx, "u", ActionRoleChange)
	require.NoError(t, err)
	assert.Equal(t, 3, u.CurrentCount)
	assert.Equal(t, 7, u.Remaining)
	require.NotNil(t, u.ResetAt)
	assert.Equal(t, clock.Now().Add(time.Hour), *u.ResetAt)

	// Status must not count
	u, _ = l.Status(ctx, "u", ActionRoleChange)
	assert.Equal(t, 3, u.CurrentCount)

	clock.Advance(time.Hour)
	u, err = l.Status(ctx, "u", ActionRoleChange)
	require.NoError(t, err)
	assert.Equal(t, 0, u.CurrentCount, "elapsed window reads as zero")
}

func TestStatus_StoreError(t *testing.T) {
	l := New(&failingStore{err: errors.New("down")}, Options{})
	_, err := l.Status(context.Background(), "u", ActionRoleChange)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestReset(t *testing.T) {
	l, _, sink := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = l.Check(ctx, "u", ActionPasswordChange)
	}
	require.NoError(t, l.Reset(ctx, "u", ActionPasswordChange))

	d, err := l.Check(ctx, "u", ActionPasswordChange)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.CurrentCount)

	// After a reset the next violation is a new episode
	for i := 0; i < 3; i++ {
		_, _ = l.Check(ctx, "u", ActionPasswordChange)
	}
	assert.Equal(t, 2, sink.count(TierExceeded))
}

func TestReset_Errors(t *testing.T) {
	l := New(&failingStore{err: errors.New("down")}, Options{})
	assert.ErrorIs(t, l.Reset(context.Background(), "u", ActionRoleChange), ErrStoreUnavailable)
	assert.True(t, IsConfigError(l.Reset(context.Background(), "u", "bogus")))
}

func TestCleanup(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	l := New(store, Options{Clock: clock.Now})
	ctx := context.Background()

	_, _ = l.Check(ctx, "old", ActionRoleChange)
	clock.Advance(90 * time.Minute)
	_, _ = l.Check(ctx, "new", ActionRoleChange)

	n, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, store.Len())
}

// ---------------------------------------------------------------------------
// Pure helpers
// ---------------------------------------------------------------------------

func TestAlertTier(t *testing.T) {
	tests := []struct {
		count, max int
		want       Tier
	}{
		{8, 10, ""},
		{9, 10, TierWarning},
		{10, 10, ""},
		{11, 10, TierExceeded},
		{89, 100, ""},
		{90, 100, TierWarning},
		{99, 100, TierWarning},
		{100, 100, ""},
		{3, 3, ""},
		{4, 3, TierExceeded},
		{27, 30, TierWarning},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, alertTier(tt.count, tt.max), "alertTier(%d, %d)", tt.count, tt.max)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 60, retryAfterSeconds(now, now.Add(time.Minute)))
	assert.Equal(t, 2, retryAfterSeconds(now, now.Add(1100*time.Millisecond)))
	assert.Equal(t, 1, retryAfterSeconds(now, now))
	assert.Equal(t, 1, retryAfterSeconds(now, now.Add(-time.Second)))
}

func TestMultiAlertSink_DeliversToEverySink(t *testing.T) {
	failing := &recordingSink{err: errors.New("inbox down")}
	ok := &recordingSink{}
	sink := MultiAlertSink{failing, ok}

	err := sink.RateLimitAlert(context.Background(), Alert{Tier: TierWarning, UserID: "u1", ActionType: "invite"})
	assert.EqualError(t, err, "inbox down")
	assert.Equal(t, 1, failing.count(TierWarning))
	assert.Equal(t, 1, ok.count(TierWarning))
}
