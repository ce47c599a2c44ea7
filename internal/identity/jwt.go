package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SecretEnvVar names the environment variable holding the HMAC signing secret
const SecretEnvVar = "AG_JWT_SECRET"

const (
	defaultIssuer   = "accountguard"
	defaultTokenTTL = time.Hour
	minSecretLength = 32
)

// ErrInvalidToken is returned for tokens that fail parsing, signature or expiry checks
var ErrInvalidToken = errors.New("invalid session token")

// Claims are the session token claims. The registered ID (jti) is the session id.
type Claims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Principal converts verified claims to a Principal
func (c *Claims) Principal() *Principal {
	p := &Principal{
		UserID:    c.UserID,
		Email:     c.Email,
		TenantID:  c.TenantID,
		Role:      c.Role,
		SessionID: c.ID,
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}

// JWTProvider signs and verifies HS256 session tokens
type JWTProvider struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTProvider creates a provider. Empty issuer and zero ttl select defaults.
func NewJWTProvider(secret, issuer string, ttl time.Duration) (*JWTProvider, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if issuer == "" {
		issuer = defaultIssuer
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &JWTProvider{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// LoadSecret reads AG_JWT_SECRET. In dev mode a missing secret is replaced by a
// random one (sessions do not survive restarts); otherwise it is an error.
func LoadSecret(devMode bool) (string, error) {
	secret := os.Getenv(SecretEnvVar)
	if secret == "" {
		if !devMode {
			return "", fmt.Errorf("%s environment variable is required; generate one with: openssl rand -hex 32", SecretEnvVar)
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate dev secret: %w", err)
		}
		slog.Warn("JWT secret not set, using an auto-generated development secret", "env", SecretEnvVar)
		return hex.EncodeToString(buf), nil
	}
	if len(secret) < minSecretLength {
		slog.Warn("JWT secret is shorter than recommended", "env", SecretEnvVar, "min_length", minSecretLength)
	}
	return secret, nil
}

// Issue signs a token for user with a fresh session id
func (p *JWTProvider) Issue(user *models.User) (string, *Claims, error) {
	now := p.now()
	claims := &Claims{
		UserID:   user.ID,
		Email:    user.Email,
		TenantID: user.TenantID,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    p.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses a token and checks signature, issuer and expiry
func (p *JWTProvider) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	},
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.ID == "" || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
