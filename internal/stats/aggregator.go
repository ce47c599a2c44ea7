package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/db/repositories"
	"golang.org/x/sync/errgroup"
)

// Day range accepted by Dashboard
const (
	DefaultDays = 30
	MaxDays     = 365
)

// ErrInvalidRange is returned for a day count outside [1, MaxDays]
var ErrInvalidRange = fmt.Errorf("days must be between 1 and %d", MaxDays)

// ErrNoTenant is returned when a dashboard is requested without a tenant
var ErrNoTenant = errors.New("dashboard requires a tenant")

// HistorySource is the read side of the suspension store
type HistorySource interface {
	ListHistory(ctx context.Context, filter repositories.HistoryFilter) ([]*models.SuspensionHistoryEntry, error)
	CountRestricted(ctx context.Context, tenantID string, now time.Time) (repositories.RestrictedCounts, error)
}

// ActivitySource summarises rate-limit alerts recorded in the audit log
type ActivitySource interface {
	RateLimitActivitySince(ctx context.Context, tenantID string, since time.Time) ([]repositories.RateLimitActivity, error)
}

// Current is the live count of restricted accounts
type Current struct {
	Suspended int `json:"suspended"`
	Blocked   int `json:"blocked"`
}

// Dashboard is the full statistics payload
type Dashboard struct {
	Days              int                              `json:"days"`
	Since             time.Time                        `json:"since"`
	GeneratedAt       time.Time                        `json:"generated_at"`
	TotalEntries      int                              `json:"total_entries"`
	Current           Current                          `json:"current"`
	Trend             []TrendPoint                     `json:"trend"`
	Reasons           []ReasonCount                    `json:"reasons"`
	Durations         DurationStats                    `json:"durations"`
	TopPerformers     []PerformerCount                 `json:"top_performers"`
	RateLimitActivity []repositories.RateLimitActivity `json:"rate_limit_activity"`
}

// Aggregator builds dashboards. The activity source is optional.
type Aggregator struct {
	history  HistorySource
	activity ActivitySource
	timeout  time.Duration
	now      func() time.Time
}

// NewAggregator creates an Aggregator. activity may be nil.
func NewAggregator(history HistorySource, activity ActivitySource, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Aggregator{history: history, activity: activity, timeout: timeout, now: time.Now}
}

// Dashboard reads one tenant's history of the last days calendar days (UTC,
// today included), its restricted-profile counts and its rate-limit activity
// concurrently, then aggregates them.
func (a *Aggregator) Dashboard(ctx context.Context, tenantID string, days int) (*Dashboard, error) {
	if tenantID == "" {
		return nil, ErrNoTenant
	}
	if days < 1 || days > MaxDays {
		return nil, ErrInvalidRange
	}
	now := a.now().UTC()
	since := WindowStart(now, days)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		entries  []*models.SuspensionHistoryEntry
		counts   repositories.RestrictedCounts
		activity []repositories.RateLimitActivity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = a.history.ListHistory(gctx, repositories.HistoryFilter{TenantID: &tenantID, Since: &since})
		if err != nil {
			return fmt.Errorf("list history: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		counts, err = a.history.CountRestricted(gctx, tenantID, now)
		if err != nil {
			return fmt.Errorf("count restricted: %w", err)
		}
		return nil
	})
	if a.activity != nil {
		g.Go(func() error {
			var err error
			activity, err = a.activity.RateLimitActivitySince(gctx, tenantID, since)
			if err != nil && !errors.Is(err, context.Canceled) {
				// The activity panel is secondary; a failure leaves it empty.
				slog.Warn("failed to load rate limit activity", "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if activity == nil {
		activity = []repositories.RateLimitActivity{}
	}

	return &Dashboard{
		Days:              days,
		Since:             since,
		GeneratedAt:       now,
		TotalEntries:      len(entries),
		Current:           Current{Suspended: counts.Suspended, Blocked: counts.Blocked},
		Trend:             Trend(entries, now, days),
		Reasons:           Reasons(entries),
		Durations:         Durations(entries),
		TopPerformers:     TopPerformers(entries),
		RateLimitActivity: activity,
	}, nil
}
