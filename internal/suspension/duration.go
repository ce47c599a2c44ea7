package suspension

import (
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
)

// Duration is one of the fixed suspension lengths
type Duration string

// Allowed durations
const (
	DurationHour      Duration = "1h"
	DurationDay       Duration = "24h"
	DurationWeek      Duration = "7d"
	DurationMonth     Duration = "30d"
	DurationPermanent Duration = "permanent"
)

var durationOffsets = map[Duration]time.Duration{
	DurationHour:  time.Hour,
	DurationDay:   24 * time.Hour,
	DurationWeek:  7 * 24 * time.Hour,
	DurationMonth: 30 * 24 * time.Hour,
}

// ParseDuration validates a duration string
func ParseDuration(s string) (Duration, error) {
	d := Duration(s)
	if d == DurationPermanent {
		return d, nil
	}
	if _, ok := durationOffsets[d]; ok {
		return d, nil
	}
	return "", invalid(CodeInvalidDuration, "duration", "must be one of 1h, 24h, 7d, 30d, permanent")
}

// IsPermanent reports whether d is a block
func (d Duration) IsPermanent() bool {
	return d == DurationPermanent
}

// Until returns the end of a suspension starting at now, or nil for a block
func (d Duration) Until(now time.Time) *time.Time {
	if d.IsPermanent() {
		return nil
	}
	until := now.Add(durationOffsets[d])
	return &until
}

var validCategories = map[string]bool{
	models.CategoryRateLimitAbuse:  true,
	models.CategoryPolicyViolation: true,
	models.CategorySecurity:        true,
	models.CategoryManual:          true,
}

// ParseCategory validates a category, defaulting an empty one to manual
func ParseCategory(s string) (string, error) {
	if s == "" {
		return models.CategoryManual, nil
	}
	if !validCategories[s] {
		return "", invalid(CodeInvalidCategory, "category", "must be one of rate_limit_abuse, policy_violation, security, manual")
	}
	return s, nil
}
