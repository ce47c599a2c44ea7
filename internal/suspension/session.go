package suspension

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/accountguard/accountguard/internal/safego"
	"github.com/accountguard/accountguard/internal/telemetry"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCheckInterval is how often a live session is re-checked. A user who is
// suspended keeps access for at most this long before the session is revoked.
const DefaultCheckInterval = 30 * time.Second

// RestrictionChecker reports whether a user is currently suspended or blocked
type RestrictionChecker interface {
	IsRestricted(ctx context.Context, userID string) (bool, error)
}

// SessionRegistryOptions configures a SessionRegistry
type SessionRegistryOptions struct {
	Interval     time.Duration
	CheckTimeout time.Duration
	// RevokedTTL is how long a revoked session id is remembered. It should be at
	// least the token lifetime so a revoked token is rejected until it expires.
	RevokedTTL  time.Duration
	RevokedSize int
	// OnRevoke is called after a session is revoked because of a restriction
	OnRevoke func(sessionID, userID string)
}

type liveSession struct {
	userID string
	cancel context.CancelFunc
}

// SessionRegistry tracks live sessions and runs one re-check goroutine per session.
// A session whose user becomes restricted is revoked; middleware rejects revoked
// sessions on their next request.
type SessionRegistry struct {
	checker      RestrictionChecker
	interval     time.Duration
	checkTimeout time.Duration
	onRevoke     func(sessionID, userID string)

	mu       sync.Mutex
	sessions map[string]*liveSession
	revoked  *expirable.LRU[string, string]
	wg       sync.WaitGroup
	closed   bool
}

// NewSessionRegistry creates a SessionRegistry
func NewSessionRegistry(checker RestrictionChecker, opts SessionRegistryOptions) *SessionRegistry {
	if opts.Interval <= 0 {
		opts.Interval = DefaultCheckInterval
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultStoreTimeout
	}
	if opts.RevokedTTL <= 0 {
		opts.RevokedTTL = 24 * time.Hour
	}
	if opts.RevokedSize <= 0 {
		opts.RevokedSize = 100000
	}
	return &SessionRegistry{
		checker:      checker,
		interval:     opts.Interval,
		checkTimeout: opts.CheckTimeout,
		onRevoke:     opts.OnRevoke,
		sessions:     make(map[string]*liveSession),
		revoked:      expirable.NewLRU[string, string](opts.RevokedSize, nil, opts.RevokedTTL),
	}
}

// Interval returns the re-check interval
func (r *SessionRegistry) Interval() time.Duration {
	return r.interval
}

// Track starts monitoring a session until expiresAt, End, or revocation. Tracking an
// already tracked, ended or revoked session is a no-op.
func (r *SessionRegistry) Track(sessionID, userID string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.sessions[sessionID]; ok {
		return
	}
	if r.revoked.Contains(sessionID) {
		return
	}

	ctx, cancel := context.WithDeadline(context.Background(), expiresAt)
	ls := &liveSession{userID: userID, cancel: cancel}
	r.sessions[sessionID] = ls
	r.wg.Add(1)
	safego.Go("session-monitor", func() {
		defer r.wg.Done()
		defer r.release(sessionID, ls)
		r.monitor(ctx, sessionID, userID)
	})
}

func (r *SessionRegistry) monitor(ctx context.Context, sessionID, userID string) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			restricted, err := r.check(ctx, userID)
			if err != nil {
				// Keep the session and try again on the next tick.
				slog.Warn("session suspension re-check failed", "user_id", userID, "error", err)
				continue
			}
			if restricted {
				r.Revoke(sessionID, "account restricted")
				return
			}
		}
	}
}

func (r *SessionRegistry) check(ctx context.Context, userID string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()
	return r.checker.IsRestricted(cctx, userID)
}

// release drops the registry entry owned by an exiting monitor
func (r *SessionRegistry) release(sessionID string, ls *liveSession) {
	ls.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sessionID] == ls {
		delete(r.sessions, sessionID)
	}
}

// Revoke terminates a session. Subsequent IsRevoked calls return true.
func (r *SessionRegistry) Revoke(sessionID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	already := r.revoked.Contains(sessionID)
	r.revoked.Add(sessionID, reason)
	r.mu.Unlock()

	if ok {
		s.cancel()
	}
	if already {
		return
	}

	userID := ""
	if ok {
		userID = s.userID
	}
	telemetry.SessionsTerminatedTotal.Inc()
	slog.Info("session revoked", "session_id", sessionID, "user_id", userID, "reason", reason)
	if r.onRevoke != nil {
		r.onRevoke(sessionID, userID)
	}
}

// RevokeUser revokes every tracked session of a user and returns how many were revoked
func (r *SessionRegistry) RevokeUser(userID, reason string) int {
	r.mu.Lock()
	ids := make([]string, 0)
	for id, s := range r.sessions {
		if s.userID == userID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Revoke(id, reason)
	}
	return len(ids)
}

// End terminates a session on logout or token rotation. The session id joins the
// revoked set so the token cannot be replayed, but it is not counted as a
// restriction-driven termination.
func (r *SessionRegistry) End(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	if !r.revoked.Contains(sessionID) {
		r.revoked.Add(sessionID, "ended")
	}
	r.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// IsRevoked reports whether a session was revoked or ended
func (r *SessionRegistry) IsRevoked(sessionID string) bool {
	return r.revoked.Contains(sessionID)
}

// IsTracked reports whether a session is being monitored
func (r *SessionRegistry) IsTracked(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Validate re-evaluates a session immediately, as done on every token refresh.
// It returns ErrSessionRevoked for revoked sessions or restricted users, and
// ErrStoreUnavailable when the restriction could not be determined.
func (r *SessionRegistry) Validate(ctx context.Context, sessionID, userID string) error {
	if r.IsRevoked(sessionID) {
		return ErrSessionRevoked
	}
	restricted, err := r.check(ctx, userID)
	if err != nil {
		return err
	}
	if restricted {
		r.Revoke(sessionID, "account restricted")
		return ErrSessionRevoked
	}
	return nil
}

// SuspensionChanged implements EventSink: sessions of a newly restricted user are
// revoked immediately instead of waiting for the next re-check.
func (r *SessionRegistry) SuspensionChanged(_ context.Context, ev Event) error {
	if ev.Result.Status.Restricted {
		r.RevokeUser(ev.Target.ID, "account "+string(ev.Result.Status.State))
	}
	return nil
}

// Shutdown stops every monitor and waits for them to exit
func (r *SessionRegistry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	for id, s := range r.sessions {
		s.cancel()
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Len returns the number of monitored sessions
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
