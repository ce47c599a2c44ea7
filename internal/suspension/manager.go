// Package suspension implements the account suspension state machine
// (active, suspended until a time, permanently blocked), its transactional history,
// and periodic re-checking of live sessions.
package suspension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/db/repositories"
	"github.com/accountguard/accountguard/internal/safego"
	"github.com/accountguard/accountguard/internal/telemetry"
)

const (
	defaultStoreTimeout = 3 * time.Second
	defaultEventTimeout = 5 * time.Second
	maxReasonLength     = 1000
)

// Request carries the operator input for Suspend and Modify
type Request struct {
	Duration string                 `json:"duration"`
	Reason   string                 `json:"reason"`
	Category string                 `json:"category"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Result is the outcome of a committed transition
type Result struct {
	Profile *models.SuspensionProfile      `json:"profile"`
	Entry   *models.SuspensionHistoryEntry `json:"history_entry"`
	Status  Status                         `json:"status"`
}

// Event is emitted after every committed transition
type Event struct {
	Action   string
	Target   *models.User
	Actor    *models.User
	Duration Duration
	Result   Result
}

// EventSink receives committed transitions (admin alerts, audit rows, session revocation)
type EventSink interface {
	SuspensionChanged(ctx context.Context, ev Event) error
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ctx context.Context, ev Event) error

// SuspensionChanged implements EventSink
func (f EventSinkFunc) SuspensionChanged(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	StoreTimeout time.Duration
	Events       []EventSink
	AsyncEvents  bool
	EventTimeout time.Duration
	Clock        func() time.Time
}

// Manager enacts suspension transitions
type Manager struct {
	store        Store
	dir          Directory
	events       []EventSink
	asyncEvents  bool
	storeTimeout time.Duration
	eventTimeout time.Duration
	now          func() time.Time
	locks        keyedMutex
}

// NewManager creates a Manager
func NewManager(store Store, dir Directory, opts Options) *Manager {
	m := &Manager{
		store:        store,
		dir:          dir,
		events:       opts.Events,
		asyncEvents:  opts.AsyncEvents,
		storeTimeout: opts.StoreTimeout,
		eventTimeout: opts.EventTimeout,
		now:          opts.Clock,
	}
	if m.storeTimeout <= 0 {
		m.storeTimeout = defaultStoreTimeout
	}
	if m.eventTimeout <= 0 {
		m.eventTimeout = defaultEventTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// AddEventSink registers a sink after construction. Not safe for use once
// transitions are running.
func (m *Manager) AddEventSink(sink EventSink) {
	m.events = append(m.events, sink)
}

type operation string

const (
	opSuspend operation = "suspend"
	opModify  operation = "modify"
	opLift    operation = "lift"
)

// Suspend restricts an active or suspended user for a duration, or blocks them
// when the duration is permanent.
func (m *Manager) Suspend(ctx context.Context, actorID, userID string, req Request) (*Result, error) {
	return m.transition(ctx, opSuspend, actorID, userID, req)
}

// Modify changes the duration, reason, or category of a suspended or blocked user
func (m *Manager) Modify(ctx context.Context, actorID, userID string, req Request) (*Result, error) {
	return m.transition(ctx, opModify, actorID, userID, req)
}

// Lift returns a user to active. Lifting an active user still records a history entry.
func (m *Manager) Lift(ctx context.Context, actorID, userID, reason string) (*Result, error) {
	return m.transition(ctx, opLift, actorID, userID, Request{Reason: reason})
}

// Status returns the user's current state
func (m *Manager) Status(ctx context.Context, userID string) (Status, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	p, err := m.store.GetProfile(sctx, userID)
	if err != nil {
		return Status{}, storeError("get profile", err)
	}
	return StatusOf(userID, p, m.now()), nil
}

// IsRestricted reports whether the user is suspended or blocked right now
func (m *Manager) IsRestricted(ctx context.Context, userID string) (bool, error) {
	st, err := m.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.Restricted, nil
}

// History returns the user's history, newest first
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]*models.SuspensionHistoryEntry, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	entries, err := m.store.ListHistory(sctx, repositories.HistoryFilter{UserID: &userID, Limit: limit})
	if err != nil {
		return nil, storeError("list history", err)
	}
	return entries, nil
}

func (m *Manager) transition(ctx context.Context, op operation, actorID, userID string, req Request) (*Result, error) {
	var (
		dur      Duration
		category string
		err      error
	)
	if op != opLift {
		if dur, err = ParseDuration(req.Duration); err != nil {
			return nil, err
		}
		if req.Category != "" {
			if category, err = ParseCategory(req.Category); err != nil {
				return nil, err
			}
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return nil, invalid(CodeInvalidReason, "reason", fmt.Sprintf("must be at most %d characters", maxReasonLength))
	}

	actor, target, err := m.authorize(ctx, op, actorID, userID, dur)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	var res *Result
	for attempt := 0; attempt < 2; attempt++ {
		res, err = m.attempt(ctx, op, actor, target, dur, category, reason, req.Metadata)
		if !errors.Is(err, repositories.ErrVersionConflict) {
			break
		}
		slog.Warn("suspension transition conflicted, retrying", "user_id", userID, "attempt", attempt+1)
	}
	if errors.Is(err, repositories.ErrVersionConflict) {
		return nil, ErrConcurrentModification
	}
	if err != nil {
		return nil, err
	}

	telemetry.SuspensionTransitionsTotal.WithLabelValues(res.Entry.Action).Inc()
	slog.Info("suspension transition committed",
		"user_id", userID, "actor_id", actorID, "action", res.Entry.Action, "state", res.Status.State)

	m.emit(ctx, Event{Action: res.Entry.Action, Target: target, Actor: actor, Duration: dur, Result: *res})
	return res, nil
}

func (m *Manager) authorize(ctx context.Context, op operation, actorID, userID string, dur Duration) (*models.User, *models.User, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	actor, err := m.dir.GetUserByID(sctx, actorID)
	if err != nil {
		return nil, nil, storeError("get actor", err)
	}
	if actor == nil || !actor.IsAdministrator() {
		return nil, nil, forbidden("only owners and admins may change suspensions")
	}

	target, err := m.dir.GetUserByID(sctx, userID)
	if err != nil {
		return nil, nil, storeError("get user", err)
	}
	if target == nil {
		return nil, nil, ErrUserNotFound
	}
	if target.TenantID != actor.TenantID {
		// Users of other tenants are indistinguishable from missing ones.
		return nil, nil, ErrUserNotFound
	}

	if dur.IsPermanent() && !actor.IsOwner() {
		return nil, nil, forbidden("only owners may permanently block a user")
	}

	if actor.ID == target.ID {
		if op == opLift {
			return actor, target, nil
		}
		if !actor.IsOwner() {
			return nil, nil, forbidden("admins may not suspend themselves")
		}
		owners, err := m.dir.CountOwners(sctx, actor.TenantID)
		if err != nil {
			return nil, nil, storeError("count owners", err)
		}
		if owners <= 1 {
			return nil, nil, invalid(CodeSoleOwner, "user_id", "the sole owner of a tenant cannot suspend themselves")
		}
		return actor, target, nil
	}

	if target.IsAdministrator() && !actor.IsOwner() {
		return nil, nil, forbidden("only owners may change the suspension of an admin or owner")
	}
	return actor, target, nil
}

func (m *Manager) attempt(ctx context.Context, op operation, actor, target *models.User, dur Duration, category, reason string, metadata map[string]interface{}) (*Result, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	current, err := m.store.GetProfile(sctx, target.ID)
	if err != nil {
		return nil, storeError("get profile", err)
	}
	now := m.now()
	state := StateOf(current, now)

	var expected int64
	if current != nil {
		expected = current.Version
	}

	actorEmail := actor.Email
	next := &models.SuspensionProfile{UserID: target.ID, TenantID: target.TenantID, IsActive: true}
	entry := &models.SuspensionHistoryEntry{
		UserID:           target.ID,
		TenantID:         target.TenantID,
		PerformedBy:      actor.ID,
		PerformedByEmail: &actorEmail,
		CreatedAt:        now,
		Metadata:         make(map[string]interface{}, len(metadata)+2),
	}
	for k, v := range metadata {
		entry.Metadata[k] = v
	}
	entry.Metadata["previous_state"] = string(state)
	if reason != "" {
		entry.Reason = &reason
	}

	switch op {
	case opSuspend, opModify:
		if op == opSuspend && state == StateBlocked {
			return nil, invalid(CodeInvalidTransition, "user_id", "user is blocked; modify or lift the block instead")
		}
		if op == opModify && state == StateActive {
			return nil, invalid(CodeInvalidTransition, "user_id", "user is not suspended or blocked")
		}

		// Modify keeps the current reason and category unless new ones are given.
		if op == opModify && entry.Reason == nil && current != nil {
			entry.Reason = current.SuspensionReason
		}
		if category == "" {
			category = models.CategoryManual
			if op == opModify && current != nil && current.Category != nil {
				category = *current.Category
			}
		}

		until := dur.Until(now)
		next.IsActive = !dur.IsPermanent()
		next.SuspendedUntil = until
		next.SuspensionReason = entry.Reason
		next.Category = &category

		entry.SuspendedUntil = until
		entry.Category = &category
		switch {
		case op == opModify:
			entry.Action = models.SuspensionActionModified
		case dur.IsPermanent():
			entry.Action = models.SuspensionActionBlocked
		default:
			entry.Action = models.SuspensionActionSuspended
		}
		entry.Metadata["duration"] = string(dur)

	case opLift:
		entry.Action = models.SuspensionActionLifted
	}

	if err := m.store.ApplyTransition(sctx, next, expected, entry); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			return nil, err
		}
		return nil, storeError("apply transition", err)
	}

	return &Result{Profile: next, Entry: entry, Status: StatusOf(target.ID, next, now)}, nil
}

func (m *Manager) emit(ctx context.Context, ev Event) {
	if len(m.events) == 0 {
		return
	}
	deliver := func(base context.Context) {
		for _, sink := range m.events {
			ectx, cancel := context.WithTimeout(base, m.eventTimeout)
			if err := sink.SuspensionChanged(ectx, ev); err != nil {
				slog.Error("suspension event delivery failed",
					"user_id", ev.Target.ID, "action", ev.Action, "error", err)
			}
			cancel()
		}
	}
	if m.asyncEvents {
		base := context.WithoutCancel(ctx)
		safego.Go("suspension-event", func() { deliver(base) })
		return
	}
	deliver(ctx)
}

// keyedMutex serializes work per key without a global lock
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
