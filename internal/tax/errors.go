package tax

import "errors"

// ============================================================================
// TAX ERROR CODES
// ============================================================================
// These constants mirror domain error codes to avoid circular imports.
// The handler layer maps these to HTTP status codes.

const (
	codeInternal    = "internal"
	codeInvalid     = "invalid"
	codeUnavailable = "unavailable"
)

// ============================================================================
// TAX ERROR TYPE
// ============================================================================

// TaxError represents a tax-specific error with a code and message.
// It implements the domain.Error interface pattern for consistent HTTP status mapping.
type TaxError struct {
	Code    string
	Message string
}

func (e *TaxError) Error() string {
	return e.Message
}

// ErrorCode returns the error code for HTTP status mapping.
func (e *TaxError) ErrorCode() string {
	return e.Code
}

// ErrorMessage returns the user-facing message.
func (e *TaxError) ErrorMessage() string {
	return e.Message
}

// newTaxError creates a new tax error.
func newTaxError(code, message string) *TaxError {
	return &TaxError{Code: code, Message: message}
}

// ============================================================================
// TAX DOMAIN ERRORS
// ============================================================================

var (
	// ErrRejected means the service refused the request, usually because it
	// does not recognise the postal code. Retrying with another code may help.
	ErrRejected = newTaxError(codeInvalid, "tax service rejected the request")

	// ErrUnavailable means the service could not be reached or failed.
	ErrUnavailable = newTaxError(codeUnavailable, "tax service unavailable")

	// ErrNotConfigured means no API credentials were supplied.
	ErrNotConfigured = newTaxError(codeInternal, "tax service not configured")
)

// IsRejected reports whether err is a request-level refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
