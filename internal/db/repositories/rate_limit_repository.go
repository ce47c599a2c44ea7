// rate_limit_repository.go implements RateLimitRepository, the PostgreSQL backing for
// fixed-window request counters. Every mutation is a single statement so concurrent
// instances sharing the database never lose an increment.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/jmoiron/sqlx"
)

// Alert tiers tracked on a window row
const (
	AlertTierWarning  = "warning"
	AlertTierExceeded = "exceeded"
)

// RateLimitRepository handles rate_limit_windows database operations
type RateLimitRepository struct {
	db *sqlx.DB
}

// NewRateLimitRepository creates a new RateLimitRepository
func NewRateLimitRepository(db *sqlx.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

const windowColumns = `user_id, action_type, request_count, window_start, warning_sent, exceeded_sent, updated_at`

// IncrementWindow atomically adds one request to the user's window for an action type.
// When no row exists, or the stored window has elapsed at now, a fresh window starting
// at now is created with a count of 1 and cleared alert flags.
func (r *RateLimitRepository) IncrementWindow(ctx context.Context, userID, actionType string, now time.Time, windowMinutes int) (*models.RateLimitWindow, error) {
	query := `
		INSERT INTO rate_limit_windows (user_id, action_type, request_count, window_start, warning_sent, exceeded_sent, updated_at)
		VALUES ($1, $2, 1, $3, false, false, $3)
		ON CONFLICT (user_id, action_type) DO UPDATE SET
			request_count = CASE WHEN rate_limit_windows.window_start + make_interval(mins => $4::int) <= $3
				THEN 1 ELSE rate_limit_windows.request_count + 1 END,
			warning_sent = CASE WHEN rate_limit_windows.window_start + make_interval(mins => $4::int) <= $3
				THEN false ELSE rate_limit_windows.warning_sent END,
			exceeded_sent = CASE WHEN rate_limit_windows.window_start + make_interval(mins => $4::int) <= $3
				THEN false ELSE rate_limit_windows.exceeded_sent END,
			window_start = CASE WHEN rate_limit_windows.window_start + make_interval(mins => $4::int) <= $3
				THEN $3 ELSE rate_limit_windows.window_start END,
			updated_at = $3
		RETURNING ` + windowColumns

	var w models.RateLimitWindow
	if err := r.db.GetContext(ctx, &w, query, userID, actionType, now, windowMinutes); err != nil {
		return nil, fmt.Errorf("failed to increment rate limit window: %w", err)
	}
	return &w, nil
}

// GetWindow returns the stored window, or nil when the user has no counter for the action type
func (r *RateLimitRepository) GetWindow(ctx context.Context, userID, actionType string) (*models.RateLimitWindow, error) {
	var w models.RateLimitWindow
	query := `SELECT ` + windowColumns + ` FROM rate_limit_windows WHERE user_id = $1 AND action_type = $2`
	err := r.db.GetContext(ctx, &w, query, userID, actionType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// DeleteWindow removes a user's counter for an action type
func (r *RateLimitRepository) DeleteWindow(ctx context.Context, userID, actionType string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limit_windows WHERE user_id = $1 AND action_type = $2`, userID, actionType)
	return err
}

// MarkAlerted sets the alert flag for a tier on the window that started at windowStart.
// It returns true only for the caller that flipped the flag, which makes it safe to
// use as a cross-instance "send once" gate.
func (r *RateLimitRepository) MarkAlerted(ctx context.Context, userID, actionType string, windowStart time.Time, tier string) (bool, error) {
	var column string
	switch tier {
	case AlertTierWarning:
		column = "warning_sent"
	case AlertTierExceeded:
		column = "exceeded_sent"
	default:
		return false, fmt.Errorf("unknown alert tier: %s", tier)
	}

	query := fmt.Sprintf(`
		UPDATE rate_limit_windows SET %[1]s = true
		WHERE user_id = $1 AND action_type = $2 AND window_start = $3 AND %[1]s = false`, column)

	res, err := r.db.ExecContext(ctx, query, userID, actionType, windowStart)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteWindowsStartedBefore removes windows whose start precedes cutoff and returns the number removed
func (r *RateLimitRepository) DeleteWindowsStartedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
