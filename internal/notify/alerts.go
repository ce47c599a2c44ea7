package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/accountguard/accountguard/internal/suspension"
)

// UserLookup resolves the user an alert is about
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// RateLimitAlerts adapts a Notifier to ratelimit.AlertSink
type RateLimitAlerts struct {
	notifier Notifier
	users    UserLookup
}

// NewRateLimitAlerts creates a RateLimitAlerts
func NewRateLimitAlerts(notifier Notifier, users UserLookup) *RateLimitAlerts {
	return &RateLimitAlerts{notifier: notifier, users: users}
}

// RateLimitAlert implements ratelimit.AlertSink
func (a *RateLimitAlerts) RateLimitAlert(ctx context.Context, alert ratelimit.Alert) error {
	u, err := a.users.GetUserByID(ctx, alert.UserID)
	if err != nil || u == nil || u.TenantID == "" {
		slog.Error("dropping rate limit alert for unresolved user",
			"user_id", alert.UserID, "action_type", alert.ActionType, "tier", string(alert.Tier), "error", err)
		if err != nil {
			return fmt.Errorf("resolve user %s: %w", alert.UserID, err)
		}
		return fmt.Errorf("resolve user %s: %w", alert.UserID, ErrNoTenant)
	}
	email, tenantID := u.Email, u.TenantID

	details := map[string]interface{}{
		"user_id":        alert.UserID,
		"user_email":     email,
		"action_type":    alert.ActionType,
		"current_count":  alert.CurrentCount,
		"max_requests":   alert.MaxRequests,
		"percentage":     alert.Percentage,
		"window_minutes": alert.WindowMinutes,
		"window_start":   alert.WindowStart.UTC().Format(time.RFC3339),
	}

	var eventType string
	p := Payload{TenantID: tenantID, Details: details}
	switch alert.Tier {
	case ratelimit.TierExceeded:
		eventType = EventRateLimitExceeded
		details["retry_after_seconds"] = alert.RetryAfterSeconds
		p.Subject = fmt.Sprintf("Rate limit exceeded: %s (%s)", email, alert.ActionType)
		p.Summary = fmt.Sprintf("%s exceeded the %s limit of %d per %d minutes and is being denied.",
			email, alert.ActionType, alert.MaxRequests, alert.WindowMinutes)
	default:
		eventType = EventRateLimitWarning
		p.Subject = fmt.Sprintf("Rate limit warning: %s at %d%% of %s", email, alert.Percentage, alert.ActionType)
		p.Summary = fmt.Sprintf("%s has used %d of %d %s requests (%d%%) in the current %d minute window.",
			email, alert.CurrentCount, alert.MaxRequests, alert.ActionType, alert.Percentage, alert.WindowMinutes)
	}
	return a.notifier.NotifyAdmins(ctx, eventType, p)
}

// SuspensionAlerts adapts a Notifier to suspension.EventSink
type SuspensionAlerts struct {
	notifier Notifier
}

// NewSuspensionAlerts creates a SuspensionAlerts
func NewSuspensionAlerts(notifier Notifier) *SuspensionAlerts {
	return &SuspensionAlerts{notifier: notifier}
}

// SuspensionChanged implements suspension.EventSink
func (a *SuspensionAlerts) SuspensionChanged(ctx context.Context, ev suspension.Event) error {
	entry := ev.Result.Entry
	details := map[string]interface{}{
		"user_id":     ev.Target.ID,
		"user_email":  ev.Target.Email,
		"actor_id":    ev.Actor.ID,
		"actor_email": ev.Actor.Email,
		"action":      ev.Action,
		"state":       string(ev.Result.Status.State),
	}
	if ev.Duration != "" {
		details["duration"] = string(ev.Duration)
	}
	if entry.SuspendedUntil != nil {
		details["suspended_until"] = entry.SuspendedUntil.UTC().Format(time.RFC3339)
	}
	reason := "no reason given"
	if entry.Reason != nil {
		reason = *entry.Reason
		details["reason"] = reason
	}
	if entry.Category != nil {
		details["category"] = *entry.Category
	}

	p := Payload{TenantID: ev.Target.TenantID, Details: details}
	var eventType string
	switch ev.Action {
	case models.SuspensionActionBlocked:
		eventType = EventUserBlocked
		p.Subject = "User blocked: " + ev.Target.Email
		p.Summary = fmt.Sprintf("%s permanently blocked %s (%s).", ev.Actor.Email, ev.Target.Email, reason)
	case models.SuspensionActionSuspended:
		eventType = EventUserSuspended
		p.Subject = "User suspended: " + ev.Target.Email
		p.Summary = fmt.Sprintf("%s suspended %s for %s (%s).", ev.Actor.Email, ev.Target.Email, ev.Duration, reason)
	case models.SuspensionActionModified:
		eventType = EventSuspensionChanged
		p.Subject = "Suspension modified: " + ev.Target.Email
		p.Summary = fmt.Sprintf("%s changed the suspension of %s to %s (%s).", ev.Actor.Email, ev.Target.Email, ev.Duration, reason)
	default:
		eventType = EventSuspensionLifted
		p.Subject = "Suspension lifted: " + ev.Target.Email
		p.Summary = fmt.Sprintf("%s lifted the restriction on %s.", ev.Actor.Email, ev.Target.Email)
	}
	return a.notifier.NotifyAdmins(ctx, eventType, p)
}
