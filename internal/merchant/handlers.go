package merchant

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2pdesk/internal/apperr"
)

// Handler provides HTTP endpoints for merchant profiles.
type Handler struct {
	service *Service
}

// NewHandler creates a new merchant handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up merchant endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/merchants", h.Leaderboard)
	r.GET("/merchants/:id", h.Get)
}

// Get handles GET /v1/merchants/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merchant": p})
}

// Leaderboard handles GET /v1/merchants
func (h *Handler) Leaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	ps, err := h.service.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merchants": ps, "count": len(ps)})
}
