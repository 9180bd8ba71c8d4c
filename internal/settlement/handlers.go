package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlehub/internal/auth"
	"github.com/mbd888/settlehub/internal/catalog"
	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/pagination"
	"github.com/mbd888/settlehub/internal/requests"
	"github.com/mbd888/settlehub/internal/validation"
)

// Dispatcher hands a freshly charged request to whatever fulfils it.
type Dispatcher interface {
	Dispatch(ctx context.Context, receipt *Receipt)
}

// Handler provides HTTP endpoints for settlement operations.
type Handler struct {
	engine     *Engine
	dispatcher Dispatcher
}

// NewHandler creates a new settlement handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// WithDispatcher makes Submit pass new (non-replayed) receipts to d.
func (h *Handler) WithDispatcher(d Dispatcher) *Handler {
	h.dispatcher = d
	return h
}

// RegisterProtectedRoutes sets up routes for authenticated callers. Account
// routes are limited to the caller's own account unless the caller is an
// administrator.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.Submit)
	r.GET("/requests/:id", h.GetRequest)
	r.GET("/quotes/:serviceId", h.Quote)

	accounts := r.Group("/accounts/:id", validation.AccountParamMiddleware("id"))
	accounts.GET("", h.GetAccount)
	accounts.GET("/entries", h.ListEntries)
	accounts.GET("/requests", h.ListRequests)
}

// RegisterAdminRoutes sets up administrator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.CreateAccount)
	r.PUT("/accounts/:id/sponsor", h.AssignSponsor)
	r.POST("/accounts/:id/deposits", h.Deposit)
	r.POST("/requests/:id/process", h.StartProcessing)
	r.POST("/requests/:id/complete", h.Complete)
	r.POST("/requests/:id/fail", h.Fail)
	r.GET("/anomalies", h.ListAnomalies)
	r.GET("/reconcile", h.Reconcile)
}

// CreateAccountRequest is the body of POST /v1/admin/accounts.
type CreateAccountRequest struct {
	ID        string      `json:"id" binding:"required"`
	Role      ledger.Role `json:"role"`
	SponsorID string      `json:"sponsorId"`
}

// AssignSponsorRequest is the body of PUT /v1/admin/accounts/:id/sponsor.
type AssignSponsorRequest struct {
	SponsorID string `json:"sponsorId" binding:"required"`
}

// DepositRequest is the body of POST /v1/admin/accounts/:id/deposits.
type DepositRequest struct {
	Amount      string `json:"amount" binding:"required"`
	ExternalID  string `json:"externalId" binding:"required"`
	Description string `json:"description"`
}

// CompleteRequest is the body of POST /v1/admin/requests/:id/complete.
type CompleteRequest struct {
	Result  json.RawMessage `json:"result"`
	Message string          `json:"message"`
}

// FailRequest is the body of POST /v1/admin/requests/:id/fail. Refund
// defaults to true.
type FailRequest struct {
	Reason string `json:"reason"`
	Refund *bool  `json:"refund"`
}

// ProcessRequest is the body of POST /v1/admin/requests/:id/process.
type ProcessRequest struct {
	Message string `json:"message"`
}

// Submit handles POST /v1/requests
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "serviceId is required"})
		return
	}

	caller := auth.GetAccountID(c)
	switch {
	case req.AccountID == "":
		req.AccountID = caller
	case req.AccountID != caller && !auth.IsAdmin(c):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "cannot submit for another account"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	req.TrackingKey = validation.SanitizeString(req.TrackingKey, validation.MaxStringLength)

	if errs := validation.Validate(
		validation.Required("accountId", req.AccountID),
		validation.ValidAccountID("accountId", req.AccountID),
		validation.MaxLength("idempotencyKey", req.IdempotencyKey, validation.MaxKeyLength),
		validation.MaxLength("trackingKey", req.TrackingKey, validation.MaxKeyLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	if len(req.Inputs) > 0 && !json.Valid(req.Inputs) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "inputs must be valid JSON"})
		return
	}

	receipt, err := h.engine.SubmitAndCharge(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	} else if h.dispatcher != nil {
		h.dispatcher.Dispatch(c.Request.Context(), receipt)
	}
	c.JSON(status, receipt)
}

// GetRequest handles GET /v1/requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	r, err := h.engine.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !canAccess(c, r.AccountID) {
		// Same answer as a missing request so ids cannot be probed.
		writeError(c, requests.ErrRequestNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// Quote handles GET /v1/quotes/:serviceId
func (h *Handler) Quote(c *gin.Context) {
	accountID := c.DefaultQuery("accountId", auth.GetAccountID(c))
	if !canAccess(c, accountID) {
		writeError(c, ErrNotOwner)
		return
	}
	q, err := h.engine.Quote(c.Request.Context(), accountID, c.Param("serviceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": q})
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	id := c.Param("id")
	if !canAccess(c, id) {
		writeError(c, ErrNotOwner)
		return
	}
	acct, err := h.engine.GetAccount(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// ListEntries handles GET /v1/accounts/:id/entries
func (h *Handler) ListEntries(c *gin.Context) {
	id := c.Param("id")
	if !canAccess(c, id) {
		writeError(c, ErrNotOwner)
		return
	}
	entries, err := h.engine.ListEntries(c.Request.Context(), id, validation.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ListRequests handles GET /v1/accounts/:id/requests
func (h *Handler) ListRequests(c *gin.Context) {
	id := c.Param("id")
	if !canAccess(c, id) {
		writeError(c, ErrNotOwner)
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	limit := validation.ParseLimit(c.Query("limit"))
	reqs, err := h.engine.ListRequests(c.Request.Context(), id, limit+1, requests.After(cursor))
	if err != nil {
		writeError(c, err)
		return
	}
	reqs, next, hasMore := pagination.ComputePage(reqs, limit, func(r *requests.Request) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	c.JSON(http.StatusOK, gin.H{"requests": reqs, "count": len(reqs), "nextCursor": next, "hasMore": hasMore})
}

// CreateAccount handles POST /v1/admin/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "id is required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAccountID("id", req.ID),
		validation.ValidAccountID("sponsorId", req.SponsorID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	acct, err := h.engine.CreateAccount(c.Request.Context(), req.ID, req.Role, req.SponsorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// AssignSponsor handles PUT /v1/admin/accounts/:id/sponsor
func (h *Handler) AssignSponsor(c *gin.Context) {
	var req AssignSponsorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sponsorId is required"})
		return
	}
	acct, err := h.engine.AssignSponsor(c.Request.Context(), c.Param("id"), req.SponsorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// Deposit handles POST /v1/admin/accounts/:id/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount and externalId are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("externalId", req.ExternalID, validation.MaxKeyLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	amount, _ := money.Parse(req.Amount)

	entry, replayed, err := h.engine.Deposit(c.Request.Context(), c.Param("id"), amount, req.ExternalID,
		validation.SanitizeString(req.Description, validation.MaxStringLength))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"entry": entry, "replayed": replayed})
}

// StartProcessing handles POST /v1/admin/requests/:id/process
func (h *Handler) StartProcessing(c *gin.Context) {
	var req ProcessRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	r, applied, err := h.engine.StartProcessing(c.Request.Context(), c.Param("id"), req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r, "applied": applied})
}

// Complete handles POST /v1/admin/requests/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
		return
	}
	out, err := h.engine.CompleteAndSettle(c.Request.Context(), c.Param("id"), req.Result,
		validation.SanitizeString(req.Message, validation.MaxStringLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Fail handles POST /v1/admin/requests/:id/fail
func (h *Handler) Fail(c *gin.Context) {
	var req FailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
		return
	}
	refund := true
	if req.Refund != nil {
		refund = *req.Refund
	}
	out, err := h.engine.FailAndRefund(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Reason, validation.MaxStringLength), refund)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListAnomalies handles GET /v1/admin/anomalies
func (h *Handler) ListAnomalies(c *gin.Context) {
	anomalies, err := h.engine.ListAnomalies(c.Request.Context(), validation.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies, "count": len(anomalies)})
}

// Reconcile handles GET /v1/admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	results, err := h.engine.Reconcile(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	mismatches := ledger.Mismatches(results)
	c.JSON(http.StatusOK, gin.H{
		"accounts":   len(results),
		"mismatches": mismatches,
		"healthy":    len(mismatches) == 0,
	})
}

func canAccess(c *gin.Context, accountID string) bool {
	return auth.IsAdmin(c) || (accountID != "" && auth.GetAccountID(c) == accountID)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "internal error"

	switch {
	case errors.Is(err, ErrInsufficientFunds):
		status, code = http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrServiceUnavailable):
		status, code = http.StatusUnprocessableEntity, "service_unavailable"
	case errors.Is(err, ErrDuplicatePending):
		status, code = http.StatusConflict, "duplicate_pending"
	case errors.Is(err, ErrIdempotencyConflict):
		status, code = http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ledger.ErrAccountExists), errors.Is(err, ledger.ErrSponsorAlreadySet):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, catalog.ErrServiceNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNotOwner):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSelfSponsor), errors.Is(err, requests.ErrTrackingKeyNeeded):
		status, code = http.StatusBadRequest, "validation_error"
	}
	if status != http.StatusInternalServerError {
		message = err.Error()
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
