// Package models - suspension.go defines the materialized suspension profile and the
// append-only suspension history log.
package models

import "time"

// History actions
const (
	SuspensionActionSuspended = "suspended"
	SuspensionActionModified  = "modified"
	SuspensionActionLifted    = "lifted"
	SuspensionActionBlocked   = "blocked"
)

// Suspension categories. The free-text reason stays for humans; the category is
// what dashboards and automation filter on.
const (
	CategoryRateLimitAbuse  = "rate_limit_abuse"
	CategoryPolicyViolation = "policy_violation"
	CategorySecurity        = "security"
	CategoryManual          = "manual"
)

// SuspensionProfile is the current restriction state of a user. A user with no
// row is treated as an active, unrestricted account.
type SuspensionProfile struct {
	UserID           string     `json:"user_id" db:"user_id"`
	TenantID         string     `json:"tenant_id" db:"tenant_id"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	SuspendedUntil   *time.Time `json:"suspended_until,omitempty" db:"suspended_until"`
	SuspensionReason *string    `json:"suspension_reason,omitempty" db:"suspension_reason"`
	Category         *string    `json:"category,omitempty" db:"category"`
	Version          int64      `json:"version" db:"version"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// ActiveProfile returns the implicit profile of a user that has never been restricted
func ActiveProfile(userID string) *SuspensionProfile {
	return &SuspensionProfile{UserID: userID, IsActive: true}
}

// SuspensionHistoryEntry is an immutable record of one suspension transition. The
// actor's email is captured when the row is written and never follows later
// changes to the actor's account.
type SuspensionHistoryEntry struct {
	ID               string                 `json:"id" db:"id"`
	UserID           string                 `json:"user_id" db:"user_id"`
	TenantID         string                 `json:"tenant_id" db:"tenant_id"`
	Action           string                 `json:"action" db:"action"`
	SuspendedUntil   *time.Time             `json:"suspended_until,omitempty" db:"suspended_until"`
	Reason           *string                `json:"reason,omitempty" db:"reason"`
	Category         *string                `json:"category,omitempty" db:"category"`
	PerformedBy      string                 `json:"performed_by" db:"performed_by"`
	PerformedByEmail *string                `json:"performed_by_email,omitempty" db:"performed_by_email"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" db:"-"`
}
