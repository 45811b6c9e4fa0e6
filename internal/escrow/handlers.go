package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2pdesk/internal/apperr"
)

// Handler provides read-only HTTP endpoints for escrow holds.
type Handler struct {
	controller *Controller
}

// NewHandler creates a new escrow handler.
func NewHandler(c *Controller) *Handler {
	return &Handler{controller: c}
}

// RegisterRoutes sets up caller-scoped escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow", h.ListHolds)
	r.GET("/escrow/:id", h.GetHold)
}

// ListHolds handles GET /v1/escrow
func (h *Handler) ListHolds(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	holds, err := h.controller.ListByUser(c.Request.Context(), c.GetString("userID"), limit)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holds": holds, "count": len(holds)})
}

// GetHold handles GET /v1/escrow/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.controller.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow hold not found"})
			return
		}
		apperr.JSON(c, err)
		return
	}
	caller := c.GetString("userID")
	if hold.UserID != caller && hold.Counterparty != caller {
		// Do not reveal holds belonging to other users.
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow hold not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}
