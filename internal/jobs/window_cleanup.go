// window_cleanup.go implements the WindowCleaner background job, which periodically
// deletes rate-limit windows that have fully elapsed. Elapsed windows already read
// as empty, so the job only bounds storage growth; a skipped or failed run never
// changes a limiting decision. Stores with native expiry (Redis) report zero rows.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/accountguard/accountguard/internal/safego"
)

// WindowSweeper is the part of ratelimit.Limiter the job needs
type WindowSweeper interface {
	Cleanup(ctx context.Context) (int64, error)
}

const defaultRunTimeout = time.Minute

// WindowCleaner periodically removes elapsed rate-limit windows.
type WindowCleaner struct {
	sweeper    WindowSweeper
	interval   time.Duration
	runTimeout time.Duration
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewWindowCleaner creates a cleaner running every interval. A non-positive
// interval disables the job.
func NewWindowCleaner(sweeper WindowSweeper, interval time.Duration) *WindowCleaner {
	return &WindowCleaner{
		sweeper:    sweeper,
		interval:   interval,
		runTimeout: defaultRunTimeout,
		stopChan:   make(chan struct{}),
	}
}

// Start runs one sweep immediately, then repeats on the configured interval until
// ctx is cancelled or Stop is called. It blocks; run it on its own goroutine.
func (w *WindowCleaner) Start(ctx context.Context) {
	if w.interval <= 0 {
		slog.Info("window cleanup job disabled (rate_limiting.cleanup_interval=0)")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("window cleanup job started", "interval", w.interval)
	w.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-w.stopChan:
			slog.Info("window cleanup job stopped")
			return
		case <-ctx.Done():
			slog.Info("window cleanup job context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (w *WindowCleaner) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// runOnce performs a single sweep. A panic in the store is contained so the
// ticker keeps running.
func (w *WindowCleaner) runOnce(ctx context.Context) (deleted int64, err error) {
	safego.Run("window-cleanup", func() {
		runCtx, cancel := context.WithTimeout(ctx, w.runTimeout)
		defer cancel()
		deleted, err = w.sweeper.Cleanup(runCtx)
	})
	if err != nil {
		slog.Warn("window cleanup failed", "error", err)
		return 0, err
	}
	if deleted > 0 {
		slog.Info("window cleanup removed elapsed windows", "deleted", deleted)
	}
	return deleted, nil
}
