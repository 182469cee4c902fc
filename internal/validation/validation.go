// Package validation provides request validation helpers for the HTTP and
// websocket surfaces.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (4MB). Behavioral batches
// of up to 10 000 events fit comfortably.
const MaxRequestSize = 4 << 20

// MaxIDLength bounds user and session identifiers.
const MaxIDLength = 128

// idRegex accepts the identifier characters browsers and IdPs commonly emit:
// letters, digits and . _ @ : + -
var idRegex = regexp.MustCompile(`^[A-Za-z0-9._@:+\-]+$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is a usable user or session identifier.
func IsValidID(s string) bool {
	return len(s) > 0 && len(s) <= MaxIDLength && idRegex.MatchString(s)
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks identifier syntax. Empty values pass; combine with Required.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits or . _ @ : + -"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed values of the named URL parameter.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(param); v != "" && !IsValidID(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + param,
				"message": param + " must be 1-128 characters of letters, digits or . _ @ : + -",
			})
			return
		}
		c.Next()
	}
}
