package ratelimit

import (
	"context"
	"time"
)

// Tier identifies an alert level
type Tier string

// Alert tiers
const (
	TierWarning  Tier = "warning"
	TierExceeded Tier = "exceeded"
)

// Window is the counter state for one (user, action type)
type Window struct {
	Count int
	Start time.Time
}

// Store persists fixed-window counters. Implementations must make Increment a single
// atomic read-modify-write per key: when the stored window has elapsed at now (or no
// window exists) the counter restarts at 1 with Start = now.
type Store interface {
	Increment(ctx context.Context, userID, actionType string, now time.Time, window time.Duration) (Window, error)
	// Get returns the stored window without regard to expiry. ok is false when no
	// window exists.
	Get(ctx context.Context, userID, actionType string) (w Window, ok bool, err error)
	Reset(ctx context.Context, userID, actionType string) error
	// Cleanup removes windows that started before cutoff and returns how many were removed.
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertMarker is implemented by stores that can record, alongside the window itself,
// that an alert tier was sent. MarkAlerted returns true only for the first caller for
// the window that started at windowStart.
type AlertMarker interface {
	MarkAlerted(ctx context.Context, userID, actionType string, windowStart time.Time, tier Tier) (bool, error)
}

func windowKey(userID, actionType string) string {
	return userID + "\x00" + actionType
}
