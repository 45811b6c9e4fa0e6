package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/validation"
)

// Handler provides admin HTTP endpoints for disputes. Parties open disputes
// through the trade routes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.List)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// List handles GET /v1/admin/disputes
func (h *Handler) List(c *gin.Context) {
	status := Status(c.Query("status"))
	if status != "" {
		if errs := validation.Validate(
			validation.OneOf("status", string(status), string(StatusOpen), string(StatusResolved)),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
			return
		}
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	disputes, err := h.service.List(c.Request.Context(), status, limit)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// Get handles GET /v1/admin/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveRequest is the body of POST /v1/admin/disputes/:id/resolve.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Note    string `json:"note"`
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("note", req.Note, validation.MaxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	outcome, err := ParseOutcome(req.Outcome)
	if err != nil {
		apperr.JSON(c, err)
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), c.GetString("adminID"), outcome,
		validation.SanitizeString(req.Note, validation.MaxReasonLength))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
