// Package validation provides input validation for the ingestion API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields.
const MaxStringLength = 2000

var (
	// hsnRegex validates HSN/SAC classification codes (4-8 digits).
	hsnRegex = regexp.MustCompile(`^[0-9]{4,8}$`)
	// invoiceNumberRegex accepts the characters tax invoices actually use.
	invoiceNumberRegex = regexp.MustCompile(`^[A-Za-z0-9/_.-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidHSNCode checks an HSN/SAC classification code.
func IsValidHSNCode(code string) bool {
	return hsnRegex.MatchString(code)
}

// IsValidInvoiceNumber checks an invoice number's shape.
func IsValidInvoiceNumber(num string) bool {
	return invoiceNumberRegex.MatchString(num)
}

// SanitizeString trims, caps length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs each validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Field builds a validator from a predicate.
func Field(name string, ok bool, message string) func() *ValidationError {
	return func() *ValidationError {
		if ok {
			return nil
		}
		return &ValidationError{Field: name, Message: message}
	}
}
