// Package models - user.go defines the User model for tenant accounts, carrying the
// role used for administrative privilege checks and alert fan-out.
package models

import "time"

// Role names stored in users.role
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// User represents an account inside a tenant
type User struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsOwner reports whether the user holds the owner role
func (u *User) IsOwner() bool {
	return u.Role == RoleOwner
}

// IsAdministrator returns true for owners and admins. Both receive rate-limit and
// suspension alerts and may perform suspension transitions.
func (u *User) IsAdministrator() bool {
	return u.Role == RoleOwner || u.Role == RoleAdmin
}
