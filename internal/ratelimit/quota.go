// Package ratelimit guards sensitive user actions with per-(user, action type)
// fixed-window counters, two-tier threshold alerts, and fail-open behaviour when the
// window store is unavailable.
package ratelimit

import (
	"sort"
	"time"
)

// Action types with a compiled-in quota
const (
	ActionRoleChange     = "role_change"
	ActionDataExport     = "data_export"
	ActionDataImport     = "data_import"
	ActionPasswordChange = "password_change"
	ActionLoginAttempt   = "login_attempt"
	ActionTeamInvite     = "team_invite"
	ActionSettingsChange = "settings_change"
)

// Quota is the request budget for one action type
type Quota struct {
	MaxRequests   int `json:"max_requests"`
	WindowMinutes int `json:"window_minutes"`
}

// Window returns the quota's window length
func (q Quota) Window() time.Duration {
	return time.Duration(q.WindowMinutes) * time.Minute
}

// DefaultQuotas returns the production quota table. A fresh map is returned on
// every call so callers cannot mutate the shared table.
func DefaultQuotas() map[string]Quota {
	return map[string]Quota{
		ActionRoleChange:     {MaxRequests: 10, WindowMinutes: 60},
		ActionDataExport:     {MaxRequests: 5, WindowMinutes: 60},
		ActionDataImport:     {MaxRequests: 10, WindowMinutes: 60},
		ActionPasswordChange: {MaxRequests: 3, WindowMinutes: 60},
		ActionLoginAttempt:   {MaxRequests: 5, WindowMinutes: 15},
		ActionTeamInvite:     {MaxRequests: 20, WindowMinutes: 60},
		ActionSettingsChange: {MaxRequests: 30, WindowMinutes: 60},
	}
}

// ActionTypes lists the action types of a quota table in sorted order
func ActionTypes(quotas map[string]Quota) []string {
	out := make([]string, 0, len(quotas))
	for k := range quotas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LongestWindow returns the largest window in a quota table
func LongestWindow(quotas map[string]Quota) time.Duration {
	var longest time.Duration
	for _, q := range quotas {
		if w := q.Window(); w > longest {
			longest = w
		}
	}
	return longest
}
