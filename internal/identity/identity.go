// Package identity issues and verifies session tokens and carries the
// authenticated principal through request contexts.
package identity

import (
	"context"
	"time"
)

// Principal is the authenticated caller of a request
type Principal struct {
	UserID    string
	Email     string
	TenantID  string
	Role      string
	SessionID string
	ExpiresAt time.Time
}

type principalKey struct{}

// WithPrincipal returns a context carrying p
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// CurrentUser returns the acting user's id and email. ok is false for
// unauthenticated contexts.
func CurrentUser(ctx context.Context) (userID, email string, ok bool) {
	p, ok := FromContext(ctx)
	if !ok {
		return "", "", false
	}
	return p.UserID, p.Email, true
}
