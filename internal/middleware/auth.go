package middleware

import (
	"net/http"
	"strings"

	"github.com/accountguard/accountguard/internal/identity"
	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware
const (
	PrincipalKey = "principal"
	UserIDKey    = "user_id"
)

// TokenVerifier verifies session tokens
type TokenVerifier interface {
	Verify(token string) (*identity.Claims, error)
}

// AuthMiddleware requires a valid Bearer session token. The principal is stored
// under PrincipalKey and on the request context (identity.FromContext).
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortError(c, http.StatusUnauthorized, "unauthenticated", "Missing or malformed authorization header")
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			abortError(c, http.StatusUnauthorized, "invalid_token", "Invalid or expired session token")
			return
		}

		p := claims.Principal()
		c.Set(PrincipalKey, p)
		c.Set(UserIDKey, p.UserID)
		c.Request = c.Request.WithContext(identity.WithPrincipal(c.Request.Context(), p))

		c.Next()
	}
}

// GetPrincipal returns the principal set by AuthMiddleware
func GetPrincipal(c *gin.Context) (*identity.Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*identity.Principal)
	return p, ok && p != nil
}

func bearerToken(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

func abortError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}
