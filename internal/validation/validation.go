// Package validation provides request field validation for the HTTP layer.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2pdesk/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxReasonLength bounds free-text fields such as cancel and dispute reasons.
const MaxReasonLength = 1000

var (
	userIDRegex   = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)
	currencyRegex = regexp.MustCompile(`^[A-Za-z0-9]{2,10}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks the shape of a user identifier.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, strips NUL bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID checks a user identifier.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 letters, digits, '_' or '-'"}
		}
		return nil
	}
}

// ValidCurrency checks a currency code.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !currencyRegex.MatchString(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be a currency code"}
		}
		return nil
	}
}

// ValidAmount checks that value is a positive amount representable in currency.
func ValidAmount(field, currency, value string) func() *ValidationError {
	return func() *ValidationError {
		if _, err := money.ParsePositive(currency, value); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed options.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}
