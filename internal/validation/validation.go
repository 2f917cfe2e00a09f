// Package validation provides request validation helpers for the HTTP layer.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/fieldguard/internal/geo"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 1000

var (
	idRegex    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks that s is a safe entity identifier.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeString trims whitespace, removes null bytes and limits length.
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

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks that a non-empty field is a safe identifier.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '_', '.', ':' or '-'"}
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

// ValidAmount checks that value parses as a positive decimal with at most
// two fractional digits.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
			return &ValidationError{Field: field, Message: "amount has more than two decimal places"}
		}
		return nil
	}
}

// ValidPoint checks a coordinate pair.
func ValidPoint(field string, p geo.Point) func() *ValidationError {
	return func() *ValidationError {
		if err := p.Validate(); err != nil {
			return &ValidationError{Field: field, Message: "latitude must be within [-90, 90] and longitude within [-180, 180]"}
		}
		return nil
	}
}

// ValidPhone checks a loosely E.164 shaped phone number.
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !phoneRegex.MatchString(strings.ReplaceAll(value, " ", "")) {
			return &ValidationError{Field: field, Message: "must be a phone number of 7-15 digits"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed values of the named URL parameters early.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "validation_error",
					"message": p + " is not a valid identifier",
				})
				return
			}
		}
		c.Next()
	}
}
