// Package auth provides API authentication for the settlement service.
//
// Authentication model:
// - Catalog reads: no auth required
// - Account-scoped endpoints: bearer JWT whose subject owns the account
// - Admin endpoints: JWT with the admin role, or the X-Admin-Secret header
// - Tokens are issued by administrators through POST /v1/admin/tokens
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mbd888/settlehub/internal/ledger"
)

// Errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
	ErrNotOwner     = errors.New("not authorized for this resource")
)

// Claims are the JWT claims of an access token.
type Claims struct {
	AccountID string      `json:"account_id"`
	Role      ledger.Role `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token carries the admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == ledger.RoleAdmin
}

// Manager issues and validates HMAC-signed access tokens.
type Manager struct {
	signingKey  []byte
	issuer      string
	ttl         time.Duration
	adminSecret string
	now         func() time.Time
}

// NewManager creates a token manager. adminSecret may be empty, in which
// case only admin-role tokens reach admin routes.
func NewManager(signingKey, issuer string, ttl time.Duration, adminSecret string) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		signingKey:  []byte(signingKey),
		issuer:      issuer,
		ttl:         ttl,
		adminSecret: adminSecret,
		now:         time.Now,
	}
}

// Issue signs a token for accountID with role.
func (m *Manager) Issue(accountID string, role ledger.Role) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		AccountID: accountID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate parses a token and checks its signature, issuer and expiry.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return m.signingKey, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.AccountID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
