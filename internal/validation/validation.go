// Package validation checks request input at the HTTP edge: body size, path
// identifiers and free-text fields.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize bounds request bodies.
const MaxRequestSize = 1 << 20

// MaxIDLength bounds entity and user identifiers.
const MaxIDLength = 64

// idPattern matches the identifiers the engine issues (tx_, dsp_, prp_ ...)
// and the opaque user IDs the auth gateway forwards.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)

// idParams are the path parameters IDParamMiddleware checks.
var idParams = map[string]bool{"id": true, "userId": true, "webhookId": true}

// RequestSizeMiddleware rejects declared oversize bodies with 413 and caps
// the rest while they are read.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "request body exceeds " + strconv.FormatInt(maxSize, 10) + " bytes",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether id is a well-formed identifier.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// IDParamMiddleware rejects malformed identifier path parameters before they
// reach a handler or the store.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range c.Params {
			if idParams[p.Key] && !IsValidID(p.Value) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": p.Key + " must be 1-64 letters, digits, '_' or '-'",
				})
				return
			}
		}
		c.Next()
	}
}

// Clean trims s, drops control characters other than newline and tab, and
// truncates to maxRunes without splitting a character.
func Clean(s string, maxRunes int) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(s))

	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}

// FieldError names the offending field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is every failed check of one request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Check returns nil when the value passes.
type Check func() *FieldError

// Validate runs every check and collects the failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Required fails on empty or whitespace-only values.
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength fails when value has more than max characters.
func MaxLength(field, value string, max int) Check {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return &FieldError{Field: field, Message: "must be at most " + strconv.Itoa(max) + " characters"}
		}
		return nil
	}
}

// ValidID fails on a malformed identifier. Empty passes; pair with Required.
func ValidID(field, value string) Check {
	return func() *FieldError {
		if value != "" && !IsValidID(value) {
			return &FieldError{Field: field, Message: "must be 1-64 letters, digits, '_' or '-'"}
		}
		return nil
	}
}

// Abort writes a 400 listing errs and reports whether it did.
func Abort(c *gin.Context, errs Errors) bool {
	if len(errs) == 0 {
		return false
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation",
		"message": errs.Error(),
		"fields":  errs,
	})
	return true
}
