package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/accountguard/accountguard/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type countingSweeper struct {
	mu    sync.Mutex
	calls int
	n     int64
	err   error
	panic bool
	ran   chan struct{}
}

func newCountingSweeper() *countingSweeper {
	return &countingSweeper{ran: make(chan struct{}, 16)}
}

func (s *countingSweeper) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	defer func() {
		select {
		case s.ran <- struct{}{}:
		default:
		}
	}()
	if s.panic {
		panic("store exploded")
	}
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("cleanup called without a deadline")
	}
	return s.n, s.err
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitForRun(t *testing.T, s *countingSweeper) {
	t.Helper()
	select {
	case <-s.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not run within timeout")
	}
}

// ---------------------------------------------------------------------------
// runOnce
// ---------------------------------------------------------------------------

func TestRunOnce(t *testing.T) {
	tests := []struct {
		name        string
		sweeper     *countingSweeper
		wantDeleted int64
		wantErr     bool
	}{
		{"deletes rows", &countingSweeper{n: 7}, 7, false},
		{"nothing to delete", &countingSweeper{}, 0, false},
		{"store error", &countingSweeper{err: ratelimit.ErrStoreUnavailable}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.sweeper.ran = make(chan struct{}, 1)
			w := NewWindowCleaner(tt.sweeper, time.Hour)

			deleted, err := w.runOnce(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if deleted != tt.wantDeleted {
				t.Errorf("deleted = %d, want %d", deleted, tt.wantDeleted)
			}
		})
	}
}

func TestRunOnce_RecoversPanic(t *testing.T) {
	s := newCountingSweeper()
	s.panic = true
	w := NewWindowCleaner(s, time.Hour)

	deleted, err := w.runOnce(context.Background())
	if err != nil || deleted != 0 {
		t.Errorf("runOnce = (%d, %v), want (0, nil)", deleted, err)
	}
	if s.count() != 1 {
		t.Errorf("calls = %d, want 1", s.count())
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestStart_Disabled(t *testing.T) {
	s := newCountingSweeper()
	w := NewWindowCleaner(s, 0)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when disabled")
	}
	if s.count() != 0 {
		t.Errorf("calls = %d, want 0", s.count())
	}
}

func TestStart_RunsImmediatelyAndOnTick(t *testing.T) {
	s := newCountingSweeper()
	w := NewWindowCleaner(s, 20*time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	waitForRun(t, s)
	waitForRun(t, s)
	w.Stop()
	w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if s.count() < 2 {
		t.Errorf("calls = %d, want at least 2", s.count())
	}
}

func TestStart_ContextCancel(t *testing.T) {
	s := newCountingSweeper()
	w := NewWindowCleaner(s, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	waitForRun(t, s)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancel")
	}
}

func TestWindowCleaner_WithMemoryStore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Options{Clock: clock})

	ctx := context.Background()
	if _, err := limiter.Check(ctx, "u1", ratelimit.ActionDataExport); err != nil {
		t.Fatal(err)
	}

	w := NewWindowCleaner(limiter, time.Hour)
	if deleted, err := w.runOnce(ctx); err != nil || deleted != 0 {
		t.Fatalf("fresh window swept: (%d, %v)", deleted, err)
	}

	now = now.Add(25 * time.Hour)
	if deleted, err := w.runOnce(ctx); err != nil || deleted != 1 {
		t.Fatalf("runOnce = (%d, %v), want (1, nil)", deleted, err)
	}
}
