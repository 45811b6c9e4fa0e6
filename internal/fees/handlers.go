package fees

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2pdesk/internal/apperr"
)

// Handler provides HTTP endpoints for fee records and stats.
type Handler struct {
	dist *Distributor
}

// NewHandler creates a new fee handler.
func NewHandler(d *Distributor) *Handler {
	return &Handler{dist: d}
}

// RegisterRoutes sets up caller-scoped fee routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/fees/transactions", h.ListTransactions)
	r.GET("/fees/commissions", h.ListCommissions)
}

// RegisterAdminRoutes sets up admin-only fee routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/fees/revenue", h.Revenue)
	r.GET("/fees/jobs", h.ListJobs)
	r.POST("/fees/jobs/:id/retry", h.RetryJob)
}

func queryLimit(c *gin.Context) int {
	n, _ := strconv.Atoi(c.Query("limit"))
	return n
}

// ListTransactions handles GET /v1/fees/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.dist.Transactions(c.Request.Context(), c.GetString("userID"), queryLimit(c))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// ListCommissions handles GET /v1/fees/commissions
func (h *Handler) ListCommissions(c *gin.Context) {
	cs, err := h.dist.Commissions(c.Request.Context(), c.GetString("userID"), queryLimit(c))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": cs, "count": len(cs)})
}

// Revenue handles GET /v1/admin/fees/revenue
func (h *Handler) Revenue(c *gin.Context) {
	rev, err := h.dist.Revenue(c.Request.Context())
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revenue": rev, "platformAccount": h.dist.PlatformAccount()})
}

// ListJobs handles GET /v1/admin/fees/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	status := JobStatus(c.Query("status"))
	switch status {
	case "", JobPending, JobDone, JobFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "status must be pending, done or failed"})
		return
	}
	jobs, err := h.dist.Jobs(c.Request.Context(), status, queryLimit(c))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// RetryJob handles POST /v1/admin/fees/jobs/:id/retry
func (h *Handler) RetryJob(c *gin.Context) {
	job, err := h.dist.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}
