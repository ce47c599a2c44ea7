package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/accountguard/accountguard/internal/suspension"
)

// Store persists audit rows
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// UserLookup resolves the tenant of an alerted user
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

type clientIPKey struct{}

// WithClientIP attaches the caller's address so rows written further down the
// request carry it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIP returns the address stored by WithClientIP
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// Recorder writes rate-limit alerts and suspension transitions to audit_logs and
// ships each row. It implements ratelimit.AlertSink and suspension.EventSink.
type Recorder struct {
	store   Store
	shipper Shipper
	users   UserLookup
	now     func() time.Time
}

// NewRecorder creates a Recorder. shipper and users may be nil.
func NewRecorder(store Store, shipper Shipper, users UserLookup) *Recorder {
	return &Recorder{store: store, shipper: shipper, users: users, now: time.Now}
}

// RateLimitAlert implements ratelimit.AlertSink
func (r *Recorder) RateLimitAlert(ctx context.Context, alert ratelimit.Alert) error {
	action := models.AuditActionRateLimitWarning
	if alert.Tier == ratelimit.TierExceeded {
		action = models.AuditActionRateLimitExceeded
	}
	meta := map[string]interface{}{
		"action_type":    alert.ActionType,
		"current_count":  alert.CurrentCount,
		"max_requests":   alert.MaxRequests,
		"percentage":     alert.Percentage,
		"window_minutes": alert.WindowMinutes,
		"window_start":   alert.WindowStart.UTC().Format(time.RFC3339),
	}
	if alert.RetryAfterSeconds > 0 {
		meta["retry_after_seconds"] = alert.RetryAfterSeconds
	}

	log := &models.AuditLog{
		Action:       action,
		ResourceType: strPtr("rate_limit"),
		ResourceID:   strPtr(alert.UserID),
		Metadata:     meta,
	}
	if r.users != nil {
		if u, err := r.users.GetUserByID(ctx, alert.UserID); err != nil {
			slog.Warn("audit: could not resolve tenant for alert", "user_id", alert.UserID, "error", err)
		} else if u != nil {
			log.TenantID = strPtr(u.TenantID)
		}
	}
	return r.record(ctx, log)
}

// SuspensionChanged implements suspension.EventSink
func (r *Recorder) SuspensionChanged(ctx context.Context, ev suspension.Event) error {
	meta := map[string]interface{}{
		"state": string(ev.Result.Status.State),
	}
	if entry := ev.Result.Entry; entry != nil {
		meta["history_id"] = entry.ID
		if entry.Reason != nil {
			meta["reason"] = *entry.Reason
		}
		if entry.Category != nil {
			meta["category"] = *entry.Category
		}
		if entry.SuspendedUntil != nil {
			meta["suspended_until"] = entry.SuspendedUntil.UTC().Format(time.RFC3339)
		}
	}
	if ev.Duration != "" {
		meta["duration"] = string(ev.Duration)
	}

	return r.record(ctx, &models.AuditLog{
		UserID:       strPtr(ev.Actor.ID),
		TenantID:     strPtr(ev.Target.TenantID),
		Action:       models.AuditActionSuspension + ev.Action,
		ResourceType: strPtr("user"),
		ResourceID:   strPtr(ev.Target.ID),
		Metadata:     meta,
	})
}

// RateLimitReset records an administrator clearing a user's counters. An empty
// actionType means every action was reset.
func (r *Recorder) RateLimitReset(ctx context.Context, actor *models.User, userID, actionType string) error {
	meta := map[string]interface{}{"action_type": actionType}
	if actionType == "" {
		meta["action_type"] = "all"
	}
	return r.record(ctx, &models.AuditLog{
		UserID:       strPtr(actor.ID),
		TenantID:     strPtr(actor.TenantID),
		Action:       models.AuditActionRateLimitReset,
		ResourceType: strPtr("rate_limit"),
		ResourceID:   strPtr(userID),
		Metadata:     meta,
	})
}

// record persists the row, then ships it. Shipping failures are logged only.
func (r *Recorder) record(ctx context.Context, log *models.AuditLog) error {
	log.CreatedAt = r.now()
	if ip := ClientIP(ctx); ip != "" {
		log.IPAddress = &ip
	}

	if err := r.store.CreateAuditLog(ctx, log); err != nil {
		slog.Error("failed to write audit log", "action", log.Action, "error", err)
		return err
	}

	if r.shipper != nil {
		if err := r.shipper.Ship(ctx, toEntry(log)); err != nil {
			slog.Warn("failed to ship audit log", "action", log.Action, "id", log.ID, "error", err)
		}
	}
	return nil
}

func toEntry(log *models.AuditLog) *LogEntry {
	return &LogEntry{
		Timestamp:    log.CreatedAt,
		Action:       log.Action,
		Severity:     SeverityFor(log.Action),
		ActorID:      deref(log.UserID),
		TenantID:     deref(log.TenantID),
		ResourceType: deref(log.ResourceType),
		ResourceID:   deref(log.ResourceID),
		IPAddress:    deref(log.IPAddress),
		Metadata:     log.Metadata,
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
