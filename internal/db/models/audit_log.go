// Package models - audit_log.go defines the AuditLog model for rate-limit alerts and
// suspension actions, capturing actor, action, affected user, and arbitrary metadata.
package models

import "time"

// Audit actions written by the guard
const (
	AuditActionRateLimitWarning  = "ratelimit.warning"
	AuditActionRateLimitExceeded = "ratelimit.exceeded"
	AuditActionRateLimitReset    = "ratelimit.reset"
	AuditActionSuspension        = "suspension." // prefix, followed by the history action
)

// AuditLog represents an audit log entry
type AuditLog struct {
	ID           string
	UserID       *string                // Actor; nil for system-generated events
	TenantID     *string
	Action       string                 // "ratelimit.warning", "suspension.blocked"
	ResourceType *string                // "user", "rate_limit"
	ResourceID   *string                // affected user id
	Metadata     map[string]interface{} // JSONB
	IPAddress    *string
	CreatedAt    time.Time
}
