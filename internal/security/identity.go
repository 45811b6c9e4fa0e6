package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Headers carrying caller identity. Authentication happens upstream; the
// gateway in front of this service sets them.
const (
	HeaderUserID      = "X-User-ID"
	HeaderAdminID     = "X-Admin-ID"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Gin context keys set by the identity middleware.
const (
	ContextKeyUserID  = "userID"
	ContextKeyAdminID = "adminID"
)

// MaxIdentityLength bounds user and admin identifiers.
const MaxIdentityLength = 128

// Identity copies the caller's user ID from the request into the context.
// Requests without one proceed anonymously.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderUserID)); id != "" {
			if len(id) > MaxIdentityLength {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "user id too long",
				})
				return
			}
			c.Set(ContextKeyUserID, id)
		}
		c.Next()
	}
}

// RequireUser rejects anonymous requests.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required. Include the " + HeaderUserID + " header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin accepts requests whose X-Admin-Secret matches secret. The
// admin's name comes from X-Admin-ID and defaults to "admin". An empty
// secret disables admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader(HeaderAdminSecret)
		if secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required.",
			})
			return
		}
		adminID := strings.TrimSpace(c.GetHeader(HeaderAdminID))
		if adminID == "" || len(adminID) > MaxIdentityLength {
			adminID = "admin"
		}
		c.Set(ContextKeyAdminID, adminID)
		c.Next()
	}
}
