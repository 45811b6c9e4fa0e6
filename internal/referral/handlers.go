package referral

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/validation"
)

// Handler provides HTTP endpoints for referral relationships.
type Handler struct {
	service *Service
}

// NewHandler creates a new referral handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up caller-scoped referral routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/referrals/me", h.GetMine)
	r.POST("/referrals", h.Register)
}

// RegisterAdminRoutes sets up admin-only referral routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/referrals/:userId/tier", h.SetTier)
}

// RegisterRequest names the caller's referrer.
type RegisterRequest struct {
	ReferrerID string `json:"referrerId" binding:"required"`
}

// Register handles POST /v1/referrals
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(validation.ValidUserID("referrerId", req.ReferrerID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	if err := h.service.Register(c.Request.Context(), c.GetString("userID"), req.ReferrerID); err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"referrerId": req.ReferrerID})
}

// GetMine handles GET /v1/referrals/me
func (h *Handler) GetMine(c *gin.Context) {
	info, err := h.service.Get(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referral": info})
}

// TierRequest sets a tier.
type TierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// SetTier handles PUT /v1/admin/referrals/:userId/tier
func (h *Handler) SetTier(c *gin.Context) {
	var req TierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("tier", req.Tier, string(TierStandard), string(TierVIP), string(TierGolden)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	userID := c.Param("userId")
	if err := h.service.SetTier(c.Request.Context(), userID, Tier(req.Tier)); err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "tier": req.Tier})
}
