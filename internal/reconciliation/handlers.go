package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2pdesk/internal/apperr"
)

// Handler exposes reconciliation to admins.
type Handler struct {
	runner *Runner
}

// NewHandler creates a new reconciliation handler.
func NewHandler(r *Runner) *Handler {
	return &Handler{runner: r}
}

// RegisterAdminRoutes sets up admin-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Last)
	r.POST("/reconciliation/run", h.Run)
}

// Last handles GET /v1/admin/reconciliation
func (h *Handler) Last(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
