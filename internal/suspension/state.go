package suspension

import (
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
)

// State is the effective restriction of an account
type State string

// States
const (
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateBlocked   State = "blocked"
)

// StateOf derives the state of a profile at now. Only is_active=false or a
// suspended_until in the future restrict; a lapsed temporary suspension is active.
func StateOf(p *models.SuspensionProfile, now time.Time) State {
	switch {
	case p == nil:
		return StateActive
	case !p.IsActive:
		return StateBlocked
	case p.SuspendedUntil != nil && p.SuspendedUntil.After(now):
		return StateSuspended
	default:
		return StateActive
	}
}

// Status is the externally visible suspension state of a user
type Status struct {
	UserID         string     `json:"user_id"`
	State          State      `json:"state"`
	Restricted     bool       `json:"restricted"`
	SuspendedUntil *time.Time `json:"suspended_until,omitempty"`
	Reason         *string    `json:"reason,omitempty"`
	Category       *string    `json:"category,omitempty"`
}

// StatusOf builds the Status of a profile at now
func StatusOf(userID string, p *models.SuspensionProfile, now time.Time) Status {
	st := Status{UserID: userID, State: StateOf(p, now)}
	st.Restricted = st.State != StateActive
	if st.Restricted {
		st.SuspendedUntil = p.SuspendedUntil
		st.Reason = p.SuspensionReason
		st.Category = p.Category
	}
	return st
}
