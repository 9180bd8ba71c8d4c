package catalog

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlehub/internal/money"
)

// Handler provides HTTP endpoints for the service catalog.
type Handler struct {
	catalog *Catalog
}

// NewHandler creates a new catalog handler.
func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// RegisterRoutes sets up read-only catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/services", h.ListServices)
	r.GET("/services/:id", h.GetService)
}

// RegisterAdminRoutes sets up administrator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/services/:id", h.PutService)
	r.GET("/overrides", h.ListOverrides)
	r.PUT("/overrides/:sponsorId/:serviceId", h.PutOverride)
	r.DELETE("/overrides/:sponsorId/:serviceId", h.DeleteOverride)
}

// PutServiceRequest is the body of PUT /v1/admin/services/:id.
type PutServiceRequest struct {
	Name              string `json:"name" binding:"required"`
	Price             string `json:"price" binding:"required"`
	DefaultCommission string `json:"defaultCommission"`
	Active            *bool  `json:"active"`
	Policy            Policy `json:"policy"`
}

// PutOverrideRequest is the body of PUT /v1/admin/overrides/:sponsorId/:serviceId.
type PutOverrideRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// ListServices handles GET /v1/services
func (h *Handler) ListServices(c *gin.Context) {
	services, err := h.catalog.ListServices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": services, "count": len(services)})
}

// GetService handles GET /v1/services/:id
func (h *Handler) GetService(c *gin.Context) {
	svc, err := h.catalog.GetService(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": svc})
}

// PutService handles PUT /v1/admin/services/:id
func (h *Handler) PutService(c *gin.Context) {
	var req PutServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and price are required"})
		return
	}

	price, ok := money.Parse(req.Price)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "price must be a non-negative amount"})
		return
	}
	commission, ok := money.Parse(req.DefaultCommission)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "defaultCommission must be a non-negative amount"})
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	svc, err := h.catalog.PutService(c.Request.Context(), &Service{
		ID:                c.Param("id"),
		Name:              req.Name,
		Price:             price,
		DefaultCommission: commission,
		Active:            active,
		Policy:            req.Policy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": svc})
}

// ListOverrides handles GET /v1/admin/overrides
func (h *Handler) ListOverrides(c *gin.Context) {
	overrides, err := h.catalog.ListOverrides(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"overrides": overrides, "count": len(overrides)})
}

// PutOverride handles PUT /v1/admin/overrides/:sponsorId/:serviceId
func (h *Handler) PutOverride(c *gin.Context) {
	var req PutOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	amount, ok := money.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "amount must be a non-negative amount"})
		return
	}

	o, err := h.catalog.PutOverride(c.Request.Context(), &Override{
		SponsorID: c.Param("sponsorId"),
		ServiceID: c.Param("serviceId"),
		Amount:    amount,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"override": o})
}

// DeleteOverride handles DELETE /v1/admin/overrides/:sponsorId/:serviceId
func (h *Handler) DeleteOverride(c *gin.Context) {
	if err := h.catalog.DeleteOverride(c.Request.Context(), c.Param("sponsorId"), c.Param("serviceId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrServiceNotFound), errors.Is(err, ErrOverrideNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidService), errors.Is(err, ErrInvalidOverride):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
