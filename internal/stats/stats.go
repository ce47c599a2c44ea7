// Package stats derives suspension dashboard statistics from the history log.
// Nothing here keeps counters of its own: every figure is recomputed from
// history entries and the current profile snapshot on each request.
package stats

import (
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/accountguard/accountguard/internal/db/models"
)

const (
	maxReasons      = 10
	maxPerformers   = 5
	maxReasonLength = 50

	noReason     = "No reason provided"
	unknownActor = "Unknown"
	dayLayout    = "2006-01-02"
)

// TrendPoint holds one calendar day (UTC) of transitions
type TrendPoint struct {
	Date      string `json:"date"`
	Suspended int    `json:"suspended"`
	Modified  int    `json:"modified"`
	Lifted    int    `json:"lifted"`
	Blocked   int    `json:"blocked"`
}

// ReasonCount is one row of the reason breakdown. Reason is the display form.
type ReasonCount struct {
	Reason     string `json:"reason"`
	Count      int    `json:"count"`
	Percentage int    `json:"percentage"`
}

// DurationStats summarises the length of temporary suspensions in hours
type DurationStats struct {
	AverageHours   int64   `json:"average_hours"`
	MedianHours    float64 `json:"median_hours"`
	MinHours       float64 `json:"min_hours"`
	MaxHours       float64 `json:"max_hours"`
	PermanentCount int     `json:"permanent_count"`
	TemporaryCount int     `json:"temporary_count"`
}

// PerformerCount is the number of transitions performed by one operator
type PerformerCount struct {
	Email string `json:"email"`
	Count int    `json:"count"`
}

// WindowStart returns UTC midnight of the first day of a days-long window ending today
func WindowStart(now time.Time, days int) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))
}

// Trend buckets entries per UTC calendar day. Exactly days buckets are returned,
// oldest first, with zero counts for quiet days. Entries outside the window are ignored.
func Trend(entries []*models.SuspensionHistoryEntry, now time.Time, days int) []TrendPoint {
	if days <= 0 {
		return []TrendPoint{}
	}
	start := WindowStart(now, days)
	points := make([]TrendPoint, days)
	index := make(map[string]int, days)
	for i := range points {
		date := start.AddDate(0, 0, i).Format(dayLayout)
		points[i].Date = date
		index[date] = i
	}

	for _, e := range entries {
		i, ok := index[e.CreatedAt.UTC().Format(dayLayout)]
		if !ok {
			continue
		}
		switch e.Action {
		case models.SuspensionActionSuspended:
			points[i].Suspended++
		case models.SuspensionActionModified:
			points[i].Modified++
		case models.SuspensionActionLifted:
			points[i].Lifted++
		case models.SuspensionActionBlocked:
			points[i].Blocked++
		}
	}
	return points
}

// Reasons groups suspended and blocked entries by reason, most frequent first,
// and returns at most ten rows.
func Reasons(entries []*models.SuspensionHistoryEntry) []ReasonCount {
	counts := make(map[string]int)
	total := 0
	for _, e := range entries {
		if e.Action != models.SuspensionActionSuspended && e.Action != models.SuspensionActionBlocked {
			continue
		}
		reason := noReason
		if e.Reason != nil && *e.Reason != "" {
			reason = *e.Reason
		}
		counts[reason]++
		total++
	}

	keys := topKeys(counts, maxReasons)
	out := make([]ReasonCount, 0, len(keys))
	for _, k := range keys {
		out = append(out, ReasonCount{
			Reason:     truncate(k, maxReasonLength),
			Count:      counts[k],
			Percentage: int(math.Round(float64(counts[k]) * 100 / float64(total))),
		})
	}
	return out
}

// Durations computes suspension length statistics. Suspended and modified entries
// with an end time contribute their length; entries without one and every
// blocked entry count as permanent. Non-positive lengths are discarded.
func Durations(entries []*models.SuspensionHistoryEntry) DurationStats {
	var (
		st    DurationStats
		hours []float64
		sum   float64
	)
	for _, e := range entries {
		switch e.Action {
		case models.SuspensionActionBlocked:
			st.PermanentCount++
		case models.SuspensionActionSuspended, models.SuspensionActionModified:
			if e.SuspendedUntil == nil {
				st.PermanentCount++
				continue
			}
			h := e.SuspendedUntil.Sub(e.CreatedAt).Hours()
			if h <= 0 {
				continue
			}
			hours = append(hours, h)
			sum += h
		}
	}

	st.TemporaryCount = len(hours)
	if len(hours) == 0 {
		return st
	}
	sort.Float64s(hours)
	st.AverageHours = int64(math.Round(sum / float64(len(hours))))
	st.MedianHours = hours[(len(hours)-1)/2]
	st.MinHours = hours[0]
	st.MaxHours = hours[len(hours)-1]
	return st
}

// TopPerformers counts entries per operator email and returns the five busiest
func TopPerformers(entries []*models.SuspensionHistoryEntry) []PerformerCount {
	counts := make(map[string]int)
	for _, e := range entries {
		email := unknownActor
		if e.PerformedByEmail != nil && *e.PerformedByEmail != "" {
			email = *e.PerformedByEmail
		}
		counts[email]++
	}

	keys := topKeys(counts, maxPerformers)
	out := make([]PerformerCount, 0, len(keys))
	for _, k := range keys {
		out = append(out, PerformerCount{Email: k, Count: counts[k]})
	}
	return out
}

// topKeys orders keys by count descending, then by key, and keeps the first n
func topKeys(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
