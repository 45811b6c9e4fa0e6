package audit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes the admin audit query.
type Handler struct {
	recorder *Recorder
}

// NewHandler creates an audit handler.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterAdminRoutes mounts admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.Query)
}

// Query handles GET /v1/admin/audit
func (h *Handler) Query(c *gin.Context) {
	f := Filter{
		UserID: c.Query("user"),
		Action: Action(c.Query("action")),
		Cursor: c.Query("cursor"),
	}
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			f.Limit = n
		}
	}
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from must be RFC3339"})
		return
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to must be RFC3339"})
		return
	}

	page, err := h.recorder.Query(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, ErrInvalidFilter) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to query audit log"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
