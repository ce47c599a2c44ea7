// Package models - rate_limit.go defines the persisted per-(user, action type) request
// window used by the rate limiter, including the alert flags that keep warning and
// exceeded notifications to one per violation episode across instances.
package models

import "time"

// RateLimitWindow is a single counting window for one user and one action type
type RateLimitWindow struct {
	UserID       string    `json:"user_id" db:"user_id"`
	ActionType   string    `json:"action_type" db:"action_type"`
	RequestCount int       `json:"request_count" db:"request_count"`
	WindowStart  time.Time `json:"window_start" db:"window_start"`
	WarningSent  bool      `json:"warning_sent" db:"warning_sent"`
	ExceededSent bool      `json:"exceeded_sent" db:"exceeded_sent"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ExpiresAt returns the instant the window stops counting
func (w *RateLimitWindow) ExpiresAt(window time.Duration) time.Time {
	return w.WindowStart.Add(window)
}

// IsActive reports whether now falls before the end of the window
func (w *RateLimitWindow) IsActive(now time.Time, window time.Duration) bool {
	return now.Before(w.ExpiresAt(window))
}
