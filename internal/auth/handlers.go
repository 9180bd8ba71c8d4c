package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlehub/internal/ledger"
)

// AccountLookup resolves the account a token is issued for.
type AccountLookup interface {
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
}

// Handler provides HTTP endpoints for auth management
type Handler struct {
	manager  *Manager
	accounts AccountLookup
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager, accounts AccountLookup) *Handler {
	return &Handler{manager: m, accounts: accounts}
}

// RegisterRoutes sets up authenticated routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequireAuth(), h.Me)
}

// RegisterAdminRoutes sets up administrator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tokens", h.IssueToken)
}

// IssueTokenRequest is the body of POST /v1/admin/tokens.
type IssueTokenRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":   "jwt",
		"header": "Authorization: Bearer <token>",
		"admin":  "Admin routes accept an admin-role token or X-Admin-Secret",
		"publicEndpoints": []string{
			"GET /v1/services",
			"GET /v1/services/:id",
		},
	})
}

// Me returns the claims of the calling token.
func (h *Handler) Me(c *gin.Context) {
	claims, _ := GetClaims(c)
	c.JSON(http.StatusOK, gin.H{
		"accountId": claims.AccountID,
		"role":      claims.Role,
		"expiresAt": claims.ExpiresAt,
	})
}

// IssueToken handles POST /v1/admin/tokens. The token carries the
// account's stored role.
func (h *Handler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "accountId is required"})
		return
	}

	acct, err := h.accounts.GetAccount(c.Request.Context(), req.AccountID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load account"})
		return
	}

	token, expiresAt, err := h.manager.Issue(acct.ID, acct.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to sign token"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"accountId": acct.ID,
		"role":      acct.Role,
		"expiresAt": expiresAt,
	})
}
