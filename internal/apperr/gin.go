package apperr

import "github.com/gin-gonic/gin"

// JSON writes err as an error response using its kind for the status code.
// Internal errors hide their message.
func JSON(c *gin.Context, err error) {
	kind := KindOf(err)
	msg := err.Error()
	if kind == Internal {
		msg = "internal error"
	}
	c.JSON(HTTPStatus(kind), gin.H{
		"error":   string(kind),
		"message": msg,
	})
}
