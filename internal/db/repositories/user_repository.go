// Package repositories implements the data access layer (repository pattern) for the account guard.
// Each repository type encapsulates all database queries for a domain entity.
// Handlers and services never issue SQL directly; all database access goes through this layer.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrTenantRequired is returned by tenant-scoped queries called without a tenant
var ErrTenantRequired = errors.New("tenant id is required")

// UserRepository handles user database operations
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, tenant_id, email, name, role, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID,
		&user.TenantID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

// CreateUser creates a new user
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	user.ID = uuid.New().String()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	if user.Role == "" {
		user.Role = models.RoleMember
	}

	query := `
		INSERT INTO users (id, tenant_id, email, name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.TenantID,
		user.Email,
		user.Name,
		user.Role,
		user.CreatedAt,
		user.UpdatedAt,
	)

	return err
}

// GetUserByID retrieves a user by ID. Returns nil, nil when no such user exists.
func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return user, nil
}

// GetUserByEmail retrieves a user by email
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return user, nil
}

// UpdateUserRole changes a user's role
func (r *UserRepository) UpdateUserRole(ctx context.Context, userID, role string) error {
	query := `UPDATE users SET role = $2, updated_at = $3 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, userID, role, time.Now())
	return err
}

// ListAdministrators returns every owner and admin of a tenant, ordered by email
func (r *UserRepository) ListAdministrators(ctx context.Context, tenantID string) ([]*models.User, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE role IN ('owner', 'admin') AND tenant_id = $1 ORDER BY email`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]*models.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

// CountOwners returns the number of owners in a tenant
func (r *UserRepository) CountOwners(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE tenant_id = $1 AND role = 'owner'`, tenantID,
	).Scan(&count)
	return count, err
}

// GetEmailsByIDs resolves user ids to emails. Unknown ids are absent from the result.
func (r *UserRepository) GetEmailsByIDs(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, email FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, email string
		if err := rows.Scan(&id, &email); err != nil {
			return nil, err
		}
		out[id] = email
	}
	return out, rows.Err()
}
