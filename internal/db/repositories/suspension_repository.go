// suspension_repository.go implements SuspensionRepository. The materialized profile and
// the append-only history row for a transition are always written in one transaction.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrVersionConflict is returned when the profile changed between read and write
var ErrVersionConflict = errors.New("suspension profile version conflict")

// SuspensionRepository handles suspension_profiles and suspension_history operations
type SuspensionRepository struct {
	db *sql.DB
}

// NewSuspensionRepository creates a new SuspensionRepository
func NewSuspensionRepository(db *sql.DB) *SuspensionRepository {
	return &SuspensionRepository{db: db}
}

// HistoryFilter narrows a history query. Zero values mean "no constraint".
type HistoryFilter struct {
	TenantID *string
	UserID   *string
	Since    *time.Time
	Limit    int
}

// RestrictedCounts is a live snapshot of restricted profiles
type RestrictedCounts struct {
	Suspended int `json:"suspended"`
	Blocked   int `json:"blocked"`
}

// GetProfile returns the user's profile, or nil when the user has never been restricted
func (r *SuspensionRepository) GetProfile(ctx context.Context, userID string) (*models.SuspensionProfile, error) {
	query := `
		SELECT user_id, tenant_id, is_active, suspended_until, suspension_reason, category, version, updated_at
		FROM suspension_profiles
		WHERE user_id = $1
	`

	p := &models.SuspensionProfile{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID,
		&p.TenantID,
		&p.IsActive,
		&p.SuspendedUntil,
		&p.SuspensionReason,
		&p.Category,
		&p.Version,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ApplyTransition writes the new profile state and appends the history entry atomically.
// expectedVersion is the version the caller based its decision on (0 when no profile
// existed). ErrVersionConflict is returned when another writer got there first.
// entry.CreatedAt is kept when set so the row shares the caller's clock with
// SuspendedUntil.
func (r *SuspensionRepository) ApplyTransition(ctx context.Context, profile *models.SuspensionProfile, expectedVersion int64, entry *models.SuspensionHistoryEntry) (err error) {
	var metadataJSON []byte
	if entry.Metadata != nil {
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := entry.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	profile.UpdatedAt = now

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM suspension_profiles WHERE user_id = $1 FOR UPDATE`, profile.UserID,
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if expectedVersion != 0 {
			return ErrVersionConflict
		}
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			INSERT INTO suspension_profiles (user_id, tenant_id, is_active, suspended_until, suspension_reason, category, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
			ON CONFLICT (user_id) DO NOTHING`,
			profile.UserID, profile.TenantID, profile.IsActive, profile.SuspendedUntil, profile.SuspensionReason, profile.Category, now)
		if err != nil {
			return mapSerializationError(err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrVersionConflict
		}
		profile.Version = 1
	case err != nil:
		return mapSerializationError(err)
	default:
		if current != expectedVersion {
			return ErrVersionConflict
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE suspension_profiles
			SET is_active = $2, suspended_until = $3, suspension_reason = $4, category = $5,
			    version = version + 1, updated_at = $6
			WHERE user_id = $1`,
			profile.UserID, profile.IsActive, profile.SuspendedUntil, profile.SuspensionReason, profile.Category, now)
		if err != nil {
			return mapSerializationError(err)
		}
		profile.Version = current + 1
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO suspension_history (id, user_id, tenant_id, action, suspended_until, reason, category,
		                                performed_by, performed_by_email, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.UserID, entry.TenantID, entry.Action, entry.SuspendedUntil, entry.Reason, entry.Category,
		entry.PerformedBy, entry.PerformedByEmail, metadataJSON, entry.CreatedAt)
	if err != nil {
		return mapSerializationError(err)
	}

	if err = tx.Commit(); err != nil {
		return mapSerializationError(err)
	}
	return nil
}

// ListHistory returns history entries, newest first
func (r *SuspensionRepository) ListHistory(ctx context.Context, filter HistoryFilter) ([]*models.SuspensionHistoryEntry, error) {
	query := `
		SELECT h.id, h.user_id, h.tenant_id, h.action, h.suspended_until, h.reason, h.category,
		       h.performed_by, h.performed_by_email, h.metadata, h.created_at
		FROM suspension_history h
		WHERE 1=1
	`
	args := make([]interface{}, 0)
	paramIndex := 1

	if filter.TenantID != nil {
		query += fmt.Sprintf(` AND h.tenant_id = $%d`, paramIndex)
		args = append(args, *filter.TenantID)
		paramIndex++
	}
	if filter.UserID != nil {
		query += fmt.Sprintf(` AND h.user_id = $%d`, paramIndex)
		args = append(args, *filter.UserID)
		paramIndex++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(` AND h.created_at >= $%d`, paramIndex)
		args = append(args, *filter.Since)
		paramIndex++
	}
	query += ` ORDER BY h.created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramIndex)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]*models.SuspensionHistoryEntry, 0)
	for rows.Next() {
		e := &models.SuspensionHistoryEntry{}
		var metadataJSON []byte
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.TenantID,
			&e.Action,
			&e.SuspendedUntil,
			&e.Reason,
			&e.Category,
			&e.PerformedBy,
			&e.PerformedByEmail,
			&metadataJSON,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// CountRestricted counts a tenant's profiles that are restricted at now
func (r *SuspensionRepository) CountRestricted(ctx context.Context, tenantID string, now time.Time) (RestrictedCounts, error) {
	if tenantID == "" {
		return RestrictedCounts{}, ErrTenantRequired
	}
	query := `
		SELECT
			COUNT(*) FILTER (WHERE is_active = true AND suspended_until > $2),
			COUNT(*) FILTER (WHERE is_active = false)
		FROM suspension_profiles
		WHERE tenant_id = $1
	`
	var c RestrictedCounts
	err := r.db.QueryRowContext(ctx, query, tenantID, now).Scan(&c.Suspended, &c.Blocked)
	return c, err
}

// mapSerializationError converts PostgreSQL serialization and deadlock failures to ErrVersionConflict
func mapSerializationError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrVersionConflict, pqErr.Message)
		}
	}
	return err
}
