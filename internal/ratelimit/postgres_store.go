package ratelimit

import (
	"context"
	"time"

	"github.com/accountguard/accountguard/internal/db/repositories"
)

// PostgresStore keeps windows in the rate_limit_windows table. Alert flags live on
// the window row, so deduplication holds across every instance sharing the database.
type PostgresStore struct {
	repo *repositories.RateLimitRepository
}

// NewPostgresStore creates a PostgresStore backed by repo
func NewPostgresStore(repo *repositories.RateLimitRepository) *PostgresStore {
	return &PostgresStore{repo: repo}
}

// Increment implements Store
func (s *PostgresStore) Increment(ctx context.Context, userID, actionType string, now time.Time, window time.Duration) (Window, error) {
	w, err := s.repo.IncrementWindow(ctx, userID, actionType, now, int(window/time.Minute))
	if err != nil {
		return Window{}, err
	}
	return Window{Count: w.RequestCount, Start: w.WindowStart}, nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, userID, actionType string) (Window, bool, error) {
	w, err := s.repo.GetWindow(ctx, userID, actionType)
	if err != nil || w == nil {
		return Window{}, false, err
	}
	return Window{Count: w.RequestCount, Start: w.WindowStart}, true, nil
}

// Reset implements Store
func (s *PostgresStore) Reset(ctx context.Context, userID, actionType string) error {
	return s.repo.DeleteWindow(ctx, userID, actionType)
}

// Cleanup implements Store
func (s *PostgresStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.DeleteWindowsStartedBefore(ctx, cutoff)
}

// MarkAlerted implements AlertMarker
func (s *PostgresStore) MarkAlerted(ctx context.Context, userID, actionType string, windowStart time.Time, tier Tier) (bool, error) {
	return s.repo.MarkAlerted(ctx, userID, actionType, windowStart, string(tier))
}
