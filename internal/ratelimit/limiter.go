package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/accountguard/accountguard/internal/safego"
	"github.com/accountguard/accountguard/internal/telemetry"
)

const (
	defaultStoreTimeout = 2 * time.Second
	defaultAlertTimeout = 5 * time.Second
)

// Decision is the outcome of a Check
type Decision struct {
	ActionType        string    `json:"action_type"`
	Allowed           bool      `json:"allowed"`
	CurrentCount      int       `json:"current_count"`
	MaxRequests       int       `json:"max_requests"`
	Remaining         int       `json:"remaining"`
	WindowMinutes     int       `json:"window_minutes"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	ResetAt           time.Time `json:"reset_at,omitzero"`
	// FailedOpen is set when the store could not be reached and the action was
	// allowed without being counted.
	FailedOpen bool `json:"failed_open,omitempty"`
}

// Usage is a read-only view of a user's current window
type Usage struct {
	ActionType    string     `json:"action_type"`
	CurrentCount  int        `json:"current_count"`
	MaxRequests   int        `json:"max_requests"`
	Remaining     int        `json:"remaining"`
	WindowMinutes int        `json:"window_minutes"`
	WindowStart   *time.Time `json:"window_start,omitempty"`
	ResetAt       *time.Time `json:"reset_at,omitempty"`
}

// Alert describes a threshold crossing handed to the AlertSink
type Alert struct {
	Tier              Tier      `json:"tier"`
	UserID            string    `json:"user_id"`
	ActionType        string    `json:"action_type"`
	CurrentCount      int       `json:"current_count"`
	MaxRequests       int       `json:"max_requests"`
	Percentage        int       `json:"percentage"`
	WindowMinutes     int       `json:"window_minutes"`
	WindowStart       time.Time `json:"window_start"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
}

// AlertSink receives deduplicated alerts
type AlertSink interface {
	RateLimitAlert(ctx context.Context, alert Alert) error
}

// AlertSinkFunc adapts a function to AlertSink
type AlertSinkFunc func(ctx context.Context, alert Alert) error

// RateLimitAlert implements AlertSink
func (f AlertSinkFunc) RateLimitAlert(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}

// MultiAlertSink delivers an alert to every sink, continuing past failures
type MultiAlertSink []AlertSink

// RateLimitAlert implements AlertSink
func (m MultiAlertSink) RateLimitAlert(ctx context.Context, alert Alert) error {
	var errs []error
	for _, sink := range m {
		if err := sink.RateLimitAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options configures a Limiter. Zero values select defaults.
type Options struct {
	// Quotas overrides the compiled-in table. Used by tests.
	Quotas map[string]Quota
	// StoreTimeout bounds every store call; on expiry Check fails open.
	StoreTimeout time.Duration
	// Deduper defaults to a LocalDeduper sized for the quota table.
	Deduper Deduper
	Alerts  AlertSink
	// AsyncAlerts dispatches alerts on a background goroutine so Check never
	// waits on SMTP or the notification table.
	AsyncAlerts  bool
	AlertTimeout time.Duration
	Clock        func() time.Time
}

// Limiter enforces per-action quotas over a Store
type Limiter struct {
	store        Store
	quotas       map[string]Quota
	storeTimeout time.Duration
	deduper      Deduper
	alerts       AlertSink
	asyncAlerts  bool
	alertTimeout time.Duration
	now          func() time.Time
}

// New creates a Limiter over store
func New(store Store, opts Options) *Limiter {
	l := &Limiter{
		store:        store,
		quotas:       opts.Quotas,
		storeTimeout: opts.StoreTimeout,
		deduper:      opts.Deduper,
		alerts:       opts.Alerts,
		asyncAlerts:  opts.AsyncAlerts,
		alertTimeout: opts.AlertTimeout,
		now:          opts.Clock,
	}
	if l.quotas == nil {
		l.quotas = DefaultQuotas()
	}
	if l.storeTimeout <= 0 {
		l.storeTimeout = defaultStoreTimeout
	}
	if l.alertTimeout <= 0 {
		l.alertTimeout = defaultAlertTimeout
	}
	if l.deduper == nil {
		l.deduper = NewLocalDeduper(0, LongestWindow(l.quotas))
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Quota returns the quota for an action type
func (l *Limiter) Quota(actionType string) (Quota, error) {
	q, ok := l.quotas[actionType]
	if !ok {
		return Quota{}, &ConfigError{ActionType: actionType}
	}
	return q, nil
}

// Quotas returns a copy of the limiter's quota table
func (l *Limiter) Quotas() map[string]Quota {
	out := make(map[string]Quota, len(l.quotas))
	for k, v := range l.quotas {
		out[k] = v
	}
	return out
}

// Check counts one request by userID for actionType and decides whether it may
// proceed. The only error returned is a *ConfigError for an unknown action type; a
// store failure or timeout yields an allowed Decision with FailedOpen set.
func (l *Limiter) Check(ctx context.Context, userID, actionType string) (Decision, error) {
	q, err := l.Quota(actionType)
	if err != nil {
		return Decision{}, err
	}

	now := l.now()
	sctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	w, err := l.store.Increment(sctx, userID, actionType, now, q.Window())
	cancel()
	if err != nil {
		slog.Warn("rate limit store unavailable, failing open",
			"user_id", userID, "action_type", actionType, "error", err)
		telemetry.RateLimitStoreErrorsTotal.WithLabelValues("increment").Inc()
		telemetry.RateLimitChecksTotal.WithLabelValues(actionType, "failed_open").Inc()
		return Decision{
			ActionType:    actionType,
			Allowed:       true,
			MaxRequests:   q.MaxRequests,
			Remaining:     q.MaxRequests,
			WindowMinutes: q.WindowMinutes,
			FailedOpen:    true,
		}, nil
	}

	resetAt := w.Start.Add(q.Window())
	d := Decision{
		ActionType:    actionType,
		Allowed:       w.Count <= q.MaxRequests,
		CurrentCount:  w.Count,
		MaxRequests:   q.MaxRequests,
		Remaining:     max(0, q.MaxRequests-w.Count),
		WindowMinutes: q.WindowMinutes,
		ResetAt:       resetAt,
	}
	if !d.Allowed {
		d.RetryAfterSeconds = retryAfterSeconds(now, resetAt)
		telemetry.RateLimitChecksTotal.WithLabelValues(actionType, "denied").Inc()
	} else {
		telemetry.RateLimitChecksTotal.WithLabelValues(actionType, "allowed").Inc()
	}

	l.maybeAlert(ctx, userID, q, w, d)
	return d, nil
}

// alertTier returns the tier a count falls in, or "" when no alert applies.
// Warning covers [90%, 100%) of the quota; exceeded is anything past it.
func alertTier(count, maxRequests int) Tier {
	switch {
	case count > maxRequests:
		return TierExceeded
	case count < maxRequests && count*10 >= maxRequests*9:
		return TierWarning
	default:
		return ""
	}
}

func (l *Limiter) maybeAlert(ctx context.Context, userID string, q Quota, w Window, d Decision) {
	tier := alertTier(w.Count, q.MaxRequests)
	if tier == "" {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	first, err := l.deduper.FirstAlert(dctx, userID, d.ActionType, w.Start, tier)
	cancel()
	if err != nil {
		// Without a dedupe answer the alert is skipped; at most one per episode wins over at least one.
		slog.Warn("rate limit alert dedupe failed, alert skipped",
			"user_id", userID, "action_type", d.ActionType, "tier", tier, "error", err)
		telemetry.RateLimitStoreErrorsTotal.WithLabelValues("mark_alerted").Inc()
		return
	}
	if !first {
		return
	}

	telemetry.RateLimitAlertsTotal.WithLabelValues(d.ActionType, string(tier)).Inc()
	slog.Info("rate limit threshold crossed",
		"user_id", userID, "action_type", d.ActionType, "tier", tier,
		"count", w.Count, "max", q.MaxRequests)

	if l.alerts == nil {
		return
	}

	alert := Alert{
		Tier:              tier,
		UserID:            userID,
		ActionType:        d.ActionType,
		CurrentCount:      w.Count,
		MaxRequests:       q.MaxRequests,
		Percentage:        int(math.Round(float64(w.Count) * 100 / float64(q.MaxRequests))),
		WindowMinutes:     q.WindowMinutes,
		WindowStart:       w.Start,
		RetryAfterSeconds: d.RetryAfterSeconds,
	}

	if l.asyncAlerts {
		base := context.WithoutCancel(ctx)
		safego.Go("ratelimit-alert", func() {
			l.deliver(base, alert)
		})
		return
	}
	l.deliver(ctx, alert)
}

func (l *Limiter) deliver(ctx context.Context, alert Alert) {
	actx, cancel := context.WithTimeout(ctx, l.alertTimeout)
	defer cancel()
	if err := l.alerts.RateLimitAlert(actx, alert); err != nil {
		slog.Error("rate limit alert dispatch failed",
			"user_id", alert.UserID, "action_type", alert.ActionType, "tier", alert.Tier, "error", err)
	}
}

// Status reports the user's live window without counting a request. An elapsed
// window reports a count of zero.
func (l *Limiter) Status(ctx context.Context, userID, actionType string) (Usage, error) {
	q, err := l.Quota(actionType)
	if err != nil {
		return Usage{}, err
	}

	u := Usage{
		ActionType:    actionType,
		MaxRequests:   q.MaxRequests,
		Remaining:     q.MaxRequests,
		WindowMinutes: q.WindowMinutes,
	}

	sctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	w, ok, err := l.store.Get(sctx, userID, actionType)
	if err != nil {
		telemetry.RateLimitStoreErrorsTotal.WithLabelValues("get").Inc()
		return Usage{}, storeError("get", err)
	}
	resetAt := w.Start.Add(q.Window())
	if !ok || !l.now().Before(resetAt) {
		return u, nil
	}

	start := w.Start
	u.CurrentCount = w.Count
	u.Remaining = max(0, q.MaxRequests-w.Count)
	u.WindowStart = &start
	u.ResetAt = &resetAt
	return u, nil
}

// Reset clears the user's window for an action type
func (l *Limiter) Reset(ctx context.Context, userID, actionType string) error {
	if _, err := l.Quota(actionType); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	if err := l.store.Reset(sctx, userID, actionType); err != nil {
		telemetry.RateLimitStoreErrorsTotal.WithLabelValues("reset").Inc()
		return storeError("reset", err)
	}
	if f, ok := l.deduper.(interface{ Forget(userID, actionType string) }); ok {
		f.Forget(userID, actionType)
	}
	slog.Info("rate limit window reset", "user_id", userID, "action_type", actionType)
	return nil
}

// Cleanup removes windows that ended before now. Called by the cleanup job.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	n, err := l.store.Cleanup(ctx, l.now().Add(-LongestWindow(l.quotas)))
	if err != nil {
		telemetry.RateLimitStoreErrorsTotal.WithLabelValues("cleanup").Inc()
		return 0, storeError("cleanup", err)
	}
	return n, nil
}

func retryAfterSeconds(now, resetAt time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// LimitExceededError is returned by WithRateLimit when the action was not executed
type LimitExceededError struct {
	Decision Decision
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d/%d, retry after %ds",
		e.Decision.ActionType, e.Decision.CurrentCount, e.Decision.MaxRequests, e.Decision.RetryAfterSeconds)
}

// WithRateLimit runs action only if Check allows it. When denied, action is not
// invoked and a *LimitExceededError carrying the decision is returned.
func WithRateLimit[T any](ctx context.Context, l *Limiter, userID, actionType string, action func(context.Context) (T, error)) (T, Decision, error) {
	var zero T
	d, err := l.Check(ctx, userID, actionType)
	if err != nil {
		return zero, d, err
	}
	if !d.Allowed {
		return zero, d, &LimitExceededError{Decision: d}
	}
	res, err := action(ctx)
	return res, d, err
}
