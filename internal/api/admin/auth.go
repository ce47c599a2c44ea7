// auth.go implements OIDC login, session token refresh and logout.
package admin

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/identity"
	"github.com/accountguard/accountguard/internal/middleware"
	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/accountguard/accountguard/internal/suspension"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	loginStateTTL  = 5 * time.Minute
	maxLoginStates = 10000
)

// LoginProvider runs the authorization code flow against the external IdP
type LoginProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*identity.ExternalIdentity, error)
}

// AccountDirectory resolves local accounts
type AccountDirectory interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// TokenIssuer signs session tokens
type TokenIssuer interface {
	Issue(user *models.User) (string, *identity.Claims, error)
}

// SessionService is the part of suspension.SessionRegistry the auth handlers use
type SessionService interface {
	Track(sessionID, userID string, expiresAt time.Time)
	Validate(ctx context.Context, sessionID, userID string) error
	End(sessionID string)
}

// RestrictionChecker reports whether a user is suspended or blocked
type RestrictionChecker interface {
	IsRestricted(ctx context.Context, userID string) (bool, error)
}

// AuthDependencies are the collaborators of AuthHandlers. OIDC may be nil when
// no external IdP is configured.
type AuthDependencies struct {
	OIDC         LoginProvider
	Users        AccountDirectory
	Tokens       TokenIssuer
	Sessions     SessionService
	Restrictions RestrictionChecker
	Limiter      middleware.ActionChecker
}

// AuthHandlers handles authentication-related endpoints
type AuthHandlers struct {
	deps   AuthDependencies
	states *expirable.LRU[string, time.Time]
}

// NewAuthHandlers creates a new AuthHandlers instance
func NewAuthHandlers(deps AuthDependencies) *AuthHandlers {
	return &AuthHandlers{
		deps:   deps,
		states: expirable.NewLRU[string, time.Time](maxLoginStates, nil, loginStateTTL),
	}
}

type sessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	ExpiresIn int          `json:"expires_in"`
	User      *models.User `json:"user"`
}

// generateState generates a random state string for OAuth
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// @Summary      Initiate OIDC login
// @Tags         Authentication
// @Success      302  {object}  string  "Redirects to the IdP authorization URL"
// @Failure      400  {object}  map[string]interface{}  "OIDC provider not configured"
// @Router       /api/v1/auth/login [get]
func (h *AuthHandlers) Login(c *gin.Context) {
	if h.deps.OIDC == nil {
		respondError(c, http.StatusBadRequest, "oidc_not_configured", "OIDC provider not configured")
		return
	}

	state, err := generateState()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to generate state")
		return
	}
	h.states.Add(state, time.Now())

	c.Redirect(http.StatusFound, h.deps.OIDC.AuthURL(state))
}

// @Summary      OIDC callback
// @Description  Exchanges the authorization code, resolves the local account and issues a session token. Each callback counts as a login_attempt for the resolved user; suspended and blocked accounts are refused.
// @Tags         Authentication
// @Produce      json
// @Param        code   query  string  true  "Authorization code"
// @Param        state  query  string  true  "State returned by the IdP"
// @Success      200  {object}  sessionResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid state"
// @Failure      401  {object}  map[string]interface{}  "Code exchange failed"
// @Failure      403  {object}  map[string]interface{}  "Unknown, unverified or restricted account"
// @Failure      429  {object}  map[string]interface{}  "Too many login attempts"
// @Failure      503  {object}  map[string]interface{}  "Store unavailable"
// @Router       /api/v1/auth/callback [get]
func (h *AuthHandlers) Callback(c *gin.Context) {
	if h.deps.OIDC == nil {
		respondError(c, http.StatusBadRequest, "oidc_not_configured", "OIDC provider not configured")
		return
	}

	state := c.Query("state")
	if _, ok := h.states.Get(state); !ok || state == "" {
		respondError(c, http.StatusBadRequest, "invalid_state", "Invalid or expired state parameter. Please try logging in again.")
		return
	}
	h.states.Remove(state)

	ctx := c.Request.Context()
	ext, err := h.deps.OIDC.Exchange(ctx, c.Query("code"))
	if err != nil {
		slog.Warn("OIDC code exchange failed", "error", err)
		respondError(c, http.StatusUnauthorized, "token_exchange_failed", "Failed to exchange authorization code")
		return
	}
	if !ext.EmailVerified {
		respondError(c, http.StatusForbidden, "email_unverified", "The identity provider has not verified this email address")
		return
	}

	user, err := h.deps.Users.GetUserByEmail(ctx, ext.Email)
	if err != nil {
		slog.Error("failed to look up user for login", "error", err)
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", "User directory temporarily unavailable")
		return
	}
	if user == nil {
		respondError(c, http.StatusForbidden, "unknown_user", "No account exists for this identity")
		return
	}

	d, err := h.deps.Limiter.Check(ctx, user.ID, ratelimit.ActionLoginAttempt)
	if err != nil {
		slog.Error("login rate limit check failed", "user_id", user.ID, "error", err)
		respondError(c, http.StatusInternalServerError, "rate_limit_error", "Rate limit check failed")
		return
	}
	if !middleware.WriteDecision(c, d) {
		return
	}

	restricted, err := h.deps.Restrictions.IsRestricted(ctx, user.ID)
	if err != nil {
		slog.Error("could not determine suspension state at login", "user_id", user.ID, "error", err)
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", "Suspension service temporarily unavailable")
		return
	}
	if restricted {
		slog.Info("login refused for restricted account", "user_id", user.ID)
		respondError(c, http.StatusForbidden, "account_restricted", "Account is suspended or blocked")
		return
	}

	h.issueSession(c, user)
}

// @Summary      Refresh session token
// @Description  Re-evaluates the account's suspension state, ends the current session and issues a new token.
// @Tags         Authentication
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  sessionResponse
// @Failure      401  {object}  map[string]interface{}  "Session revoked"
// @Failure      503  {object}  map[string]interface{}  "Suspension store unavailable"
// @Router       /api/v1/session/refresh [post]
func (h *AuthHandlers) Refresh(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return
	}

	ctx := c.Request.Context()
	if err := h.deps.Sessions.Validate(ctx, p.SessionID, p.UserID); err != nil {
		if errors.Is(err, suspension.ErrSessionRevoked) {
			respondError(c, http.StatusUnauthorized, "session_revoked", "Session terminated: account is suspended or blocked")
			return
		}
		slog.Error("session re-check failed on refresh", "user_id", p.UserID, "error", err)
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", "Suspension service temporarily unavailable")
		return
	}

	user, err := h.deps.Users.GetUserByID(ctx, p.UserID)
	if err != nil {
		slog.Error("failed to load user on refresh", "user_id", p.UserID, "error", err)
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", "User directory temporarily unavailable")
		return
	}
	if user == nil {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not found")
		return
	}

	h.deps.Sessions.End(p.SessionID)
	h.issueSession(c, user)
}

// Logout ends the current session.
// DELETE /api/v1/session
func (h *AuthHandlers) Logout(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthenticated", "User not authenticated")
		return
	}
	h.deps.Sessions.End(p.SessionID)
	c.Status(http.StatusNoContent)
}

func (h *AuthHandlers) issueSession(c *gin.Context, user *models.User) {
	token, claims, err := h.deps.Tokens.Issue(user)
	if err != nil {
		slog.Error("failed to issue session token", "user_id", user.ID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to generate session token")
		return
	}
	expiresAt := claims.ExpiresAt.Time
	h.deps.Sessions.Track(claims.ID, user.ID, expiresAt)

	c.JSON(http.StatusOK, sessionResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		ExpiresIn: int(time.Until(expiresAt).Seconds()),
		User:      user,
	})
}
