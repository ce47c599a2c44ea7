// audit_repository.go implements AuditRepository, providing database queries for writing
// and retrieving audit log entries for rate-limit alerts and suspension actions.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/google/uuid"
)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	UserID       *string
	TenantID     *string
	Action       *string
	ActionPrefix *string
	ResourceType *string
	ResourceID   *string
	StartDate    *time.Time
	EndDate      *time.Time
}

// RateLimitActivity aggregates alert rows for one action type over a period
type RateLimitActivity struct {
	ActionType    string `json:"action_type"`
	WarningCount  int    `json:"warning_count"`
	ExceededCount int    `json:"exceeded_count"`
	DistinctUsers int    `json:"distinct_users"`
}

// CreateAuditLog creates a new audit log entry
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}

	// Marshal metadata to JSONB
	var metadataJSON []byte
	var err error
	if log.Metadata != nil {
		metadataJSON, err = json.Marshal(log.Metadata)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO audit_logs (id, user_id, tenant_id, action, resource_type, resource_id, metadata, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		log.ID,
		log.UserID,
		log.TenantID,
		log.Action,
		log.ResourceType,
		log.ResourceID,
		metadataJSON,
		log.IPAddress,
		log.CreatedAt,
	)

	return err
}

// ListAuditLogs retrieves audit logs with optional filters and pagination
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	paramIndex := 1

	add := func(clause string, v interface{}) {
		where += fmt.Sprintf(clause, paramIndex)
		args = append(args, v)
		paramIndex++
	}

	// Apply filters
	if filters.UserID != nil {
		add(` AND user_id = $%d`, *filters.UserID)
	}
	if filters.TenantID != nil {
		add(` AND tenant_id = $%d`, *filters.TenantID)
	}
	if filters.Action != nil {
		add(` AND action = $%d`, *filters.Action)
	}
	if filters.ActionPrefix != nil {
		add(` AND action LIKE $%d`, *filters.ActionPrefix+"%")
	}
	if filters.ResourceType != nil {
		add(` AND resource_type = $%d`, *filters.ResourceType)
	}
	if filters.ResourceID != nil {
		add(` AND resource_id = $%d`, *filters.ResourceID)
	}
	if filters.StartDate != nil {
		add(` AND created_at >= $%d`, *filters.StartDate)
	}
	if filters.EndDate != nil {
		add(` AND created_at <= $%d`, *filters.EndDate)
	}

	// Get total count
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, tenant_id, action, resource_type, resource_id, metadata, ip_address, created_at
		FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log := &models.AuditLog{}
		var metadataJSON []byte

		err := rows.Scan(
			&log.ID,
			&log.UserID,
			&log.TenantID,
			&log.Action,
			&log.ResourceType,
			&log.ResourceID,
			&metadataJSON,
			&log.IPAddress,
			&log.CreatedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		// Unmarshal metadata from JSONB
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &log.Metadata); err != nil {
				return nil, 0, err
			}
		}

		logs = append(logs, log)
	}

	return logs, total, rows.Err()
}

// RateLimitActivitySince groups a tenant's warning and exceeded alerts per action type since the given time
func (r *AuditRepository) RateLimitActivitySince(ctx context.Context, tenantID string, since time.Time) ([]RateLimitActivity, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	query := `
		SELECT metadata->>'action_type' AS action_type,
		       COUNT(*) FILTER (WHERE action = $1) AS warning_count,
		       COUNT(*) FILTER (WHERE action = $2) AS exceeded_count,
		       COUNT(DISTINCT resource_id) AS distinct_users
		FROM audit_logs
		WHERE action IN ($1, $2) AND created_at >= $3 AND tenant_id = $4
		GROUP BY metadata->>'action_type'
		ORDER BY exceeded_count DESC, action_type
	`

	rows, err := r.db.QueryContext(ctx, query,
		models.AuditActionRateLimitWarning, models.AuditActionRateLimitExceeded, since, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RateLimitActivity, 0)
	for rows.Next() {
		var a RateLimitActivity
		var actionType sql.NullString
		if err := rows.Scan(&actionType, &a.WarningCount, &a.ExceededCount, &a.DistinctUsers); err != nil {
			return nil, err
		}
		a.ActionType = actionType.String
		out = append(out, a)
	}
	return out, rows.Err()
}
