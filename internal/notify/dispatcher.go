// Package notify delivers administrator alerts. Every alert fans out to all
// accounts holding an administrative role, as an in-app notification row and,
// when SMTP is configured, as an email. Delivery failures are logged and counted
// but never returned to the rate limiter or suspension manager as fatal.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Event types
const (
	EventRateLimitWarning  = "rate_limit_warning"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventUserSuspended     = "user_suspended"
	EventUserBlocked       = "user_blocked"
	EventSuspensionChanged = "suspension_modified"
	EventSuspensionLifted  = "suspension_lifted"
)

// Delivery channels, used as the metric label
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
)

const (
	defaultDispatchTimeout = 10 * time.Second
	maxParallelDeliveries  = 8
)

// ErrNoTenant is returned for a payload without a tenant. Alerts are never
// broadcast across tenants.
var ErrNoTenant = errors.New("alert has no tenant")

// Payload is one alert. TenantID scopes the recipients and is required.
type Payload struct {
	TenantID string                 `json:"-"`
	Subject  string                 `json:"subject"`
	Summary  string                 `json:"summary"`
	Details  map[string]interface{} `json:"details"`
}

// AdminDirectory lists the accounts that receive alerts
type AdminDirectory interface {
	ListAdministrators(ctx context.Context, tenantID string) ([]*models.User, error)
}

// Inbox stores in-app notifications
type Inbox interface {
	CreateNotification(ctx context.Context, n *models.AdminNotification) error
}

// Mailer sends one plain-text email
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Throttle caps emails per recipient
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Notifier is the AlertDispatcher contract
type Notifier interface {
	NotifyAdmins(ctx context.Context, eventType string, payload Payload) error
}

// DispatcherOptions configures a Dispatcher. Nil channels are skipped.
type DispatcherOptions struct {
	Inbox    Inbox
	Mailer   Mailer
	Throttle Throttle
	Timeout  time.Duration
	// PublicURL is appended to emails as a link to the admin UI
	PublicURL string
}

// Dispatcher implements Notifier
type Dispatcher struct {
	admins    AdminDirectory
	inbox     Inbox
	mailer    Mailer
	throttle  Throttle
	timeout   time.Duration
	publicURL string
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(admins AdminDirectory, opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDispatchTimeout
	}
	return &Dispatcher{
		admins:    admins,
		inbox:     opts.Inbox,
		mailer:    opts.Mailer,
		throttle:  opts.Throttle,
		timeout:   opts.Timeout,
		publicURL: opts.PublicURL,
	}
}

// NotifyAdmins delivers payload to every administrator of the payload's tenant.
// It waits at most the dispatch timeout and returns the joined delivery errors.
func (d *Dispatcher) NotifyAdmins(ctx context.Context, eventType string, payload Payload) error {
	if payload.TenantID == "" {
		telemetry.AlertDispatchFailuresTotal.WithLabelValues("directory").Inc()
		return fmt.Errorf("%s: %w", eventType, ErrNoTenant)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	admins, err := d.admins.ListAdministrators(ctx, payload.TenantID)
	if err != nil {
		telemetry.AlertDispatchFailuresTotal.WithLabelValues("directory").Inc()
		return fmt.Errorf("failed to list administrators: %w", err)
	}
	if len(admins) == 0 {
		slog.Warn("no administrators to notify", "event_type", eventType, "tenant_id", payload.TenantID)
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(channel string, admin *models.User, err error) {
		telemetry.AlertDispatchFailuresTotal.WithLabelValues(channel).Inc()
		slog.Error("admin alert delivery failed",
			"event_type", eventType, "channel", channel, "recipient_id", admin.ID, "error", err)
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s to %s: %w", channel, admin.ID, err))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDeliveries)
	for _, admin := range admins {
		g.Go(func() error {
			if d.inbox != nil {
				if err := d.storeInApp(gctx, eventType, admin, payload); err != nil {
					fail(ChannelInApp, admin, err)
				}
			}
			if d.mailer != nil && admin.Email != "" {
				if err := d.sendEmail(gctx, eventType, admin, payload); err != nil {
					fail(ChannelEmail, admin, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (d *Dispatcher) storeInApp(ctx context.Context, eventType string, admin *models.User, p Payload) error {
	return d.inbox.CreateNotification(ctx, &models.AdminNotification{
		RecipientID: admin.ID,
		EventType:   eventType,
		Title:       p.Subject,
		Body:        p.Summary,
		Payload:     p.Details,
	})
}

func (d *Dispatcher) sendEmail(ctx context.Context, eventType string, admin *models.User, p Payload) error {
	if d.throttle != nil {
		ok, err := d.throttle.Allow(ctx, admin.ID)
		if err != nil {
			// Throttle outages do not suppress alerts.
			slog.Warn("email throttle unavailable, sending anyway", "recipient_id", admin.ID, "error", err)
		} else if !ok {
			slog.Info("alert email throttled", "event_type", eventType, "recipient_id", admin.ID)
			return nil
		}
	}
	return d.mailer.Send(ctx, admin.Email, p.Subject, renderEmail(admin, p, d.publicURL))
}
