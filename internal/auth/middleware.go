package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyClaims is the key for storing validated token claims in gin context
	ContextKeyClaims = "authClaims"
	// ContextKeyAccountID is the key for storing the authenticated account id
	ContextKeyAccountID = "authAccountID"
	// ContextKeyAdmin marks requests authenticated as administrator
	ContextKeyAdmin = "authAdmin"
)

// Middleware extracts and validates a bearer token. Invalid or missing
// tokens leave the request unauthenticated; Require* middleware rejects it.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(raw, "Bearer "); ok && token != "" {
			if claims, err := m.Validate(token); err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyAccountID, claims.AccountID)
				if claims.IsAdmin() {
					c.Set(ContextKeyAdmin, true)
				}
			}
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid token
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireOwnership requires the token's account to match the paramName
// URL parameter. Administrators pass for any account.
func RequireOwnership(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if IsAdmin(c) || GetAccountID(c) == c.Param(paramName) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You do not own this account.",
		})
	}
}

// RequireAdmin accepts an admin-role token or a matching X-Admin-Secret header.
func RequireAdmin(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAdmin(c) {
			c.Next()
			return
		}

		secret := c.GetHeader("X-Admin-Secret")
		if m.adminSecret != "" && secret != "" {
			if subtle.ConstantTimeCompare([]byte(secret), []byte(m.adminSecret)) == 1 {
				c.Set(ContextKeyAdmin, true)
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		if IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Administrator role required.",
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Administrator credentials required.",
		})
	}
}

// GetClaims returns the validated claims (if authenticated)
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// GetAccountID returns the authenticated account id, or "".
func GetAccountID(c *gin.Context) string {
	return c.GetString(ContextKeyAccountID)
}

// IsAuthenticated checks if the request carries a valid token
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyClaims)
	return exists
}

// IsAdmin checks if the request was authenticated as administrator
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
