package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Application error codes.
// These map to HTTP status codes and determine user-facing messages.
const (
	ECONFLICT     = "conflict"                // 409 - Stale revision or duplicate
	EINTERNAL     = "internal"                // 500 - Internal server error (hide details)
	EINVALID      = "invalid"                 // 400 - Validation error (bad input)
	ENOTFOUND     = "not_found"               // 404 - Session or resource not found
	EFORBIDDEN    = "forbidden"               // 403 - Not permitted
	ERATELIMIT    = "rate_limit"              // 429 - Too many requests
	EPAYMENT      = "payment_required"        // 402 - Card declined or payment failed
	EAUTHREQUIRED = "authentication_required" // 402 - Step-up authentication needed
	EREJECTED     = "rejected"                // 422 - Provider refused (portability, reservation)
	EUNAVAILABLE  = "unavailable"             // 503 - Provider slow or down, retry allowed
	EGONE         = "gone"                    // 410 - Session past its retention window
	ETOOLARGE     = "too_large"               // 413 - Request body over the limit
)

// Error is an application error. Message is safe to show to the customer;
// Op and Err are for logs.
type Error struct {
	Code    string
	Message string
	Op      string // e.g. "payment.confirm"
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

const internalMessage = "An internal error occurred. Please try again later."

// ErrorCode extracts the error code from an error. Validation errors are
// EINVALID and anything unrecognised is EINTERNAL.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := as[*Error](err); ok {
		return e.Code
	}
	if _, ok := as[*ValidationError](err); ok {
		return EINVALID
	}
	return EINTERNAL
}

// ErrorMessage returns the customer-facing message. Internal and unknown
// errors get a generic message.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := as[*Error](err); ok {
		if e.Code == EINTERNAL {
			return internalMessage
		}
		return e.Message
	}
	if _, ok := as[*ValidationError](err); ok {
		return "Please correct the highlighted fields"
	}
	return internalMessage
}

// ErrorOp returns the operation recorded on err, for logging.
func ErrorOp(err error) string {
	if e, ok := as[*Error](err); ok {
		return e.Op
	}
	if ve, ok := as[*ValidationError](err); ok {
		return ve.Op
	}
	return ""
}

// Errorf creates a domain error with a formatted message.
func Errorf(code, op, format string, args ...interface{}) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code, op and message to err. A nil err stays nil.
func WrapError(err error, code, op, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// IsCode returns true if err has the given error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// IsRetryable reports whether the same request may succeed later without
// the customer changing anything.
func IsRetryable(err error) bool {
	switch ErrorCode(err) {
	case EUNAVAILABLE, ECONFLICT, ERATELIMIT, EINTERNAL:
		return true
	}
	return false
}

// ValidationError holds field-scoped messages, keyed by the JSON path the
// wizard uses (e.g. "contact.email").
type ValidationError struct {
	Fields map[string]string
	Op     string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	slices.Sort(fields)

	msg := "invalid " + strings.Join(fields, ", ")
	if len(fields) == 1 {
		msg = fields[0] + ": " + e.Fields[fields[0]]
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// NewValidationError creates a validation error for a single field.
func NewValidationError(op, field, message string) error {
	return &ValidationError{Op: op, Fields: map[string]string{field: message}}
}

// AddFieldError adds field to err when it is a ValidationError, otherwise
// it starts a new one.
func AddFieldError(err error, field, message string) error {
	if ve, ok := as[*ValidationError](err); ok {
		ve.Fields[field] = message
		return ve
	}
	return &ValidationError{Fields: map[string]string{field: message}}
}

// IsValidationError returns true if err is a ValidationError.
func IsValidationError(err error) bool {
	_, ok := as[*ValidationError](err)
	return ok
}

// GetValidationFields returns the field messages of a ValidationError, or
// nil for any other error.
func GetValidationFields(err error) map[string]string {
	if ve, ok := as[*ValidationError](err); ok {
		return ve.Fields
	}
	return nil
}

// NotFound reports a missing resource, e.g. NotFound("session.get",
// "checkout session", id).
func NotFound(op, resource, identifier string) error {
	return &Error{Code: ENOTFOUND, Op: op, Message: fmt.Sprintf("%s not found: %s", resource, identifier)}
}

func Invalid(op, message string) error {
	return &Error{Code: EINVALID, Op: op, Message: message}
}

func Conflict(op, message string) error {
	return &Error{Code: ECONFLICT, Op: op, Message: message}
}

// Internal wraps an unexpected failure. Its message never reaches the client.
func Internal(err error, op, message string) error {
	return &Error{Code: EINTERNAL, Op: op, Message: message, Err: err}
}

func Forbidden(op, message string) error {
	return &Error{Code: EFORBIDDEN, Op: op, Message: message}
}

// Gone reports a session that existed but is past its retention window.
func Gone(op, message string) error {
	return &Error{Code: EGONE, Op: op, Message: message}
}

// Unavailable wraps a provider failure the customer may retry.
func Unavailable(err error, op, message string) error {
	return &Error{Code: EUNAVAILABLE, Op: op, Message: message, Err: err}
}

// Rejected wraps a provider refusal such as a portability denial.
func Rejected(err error, op, message string) error {
	return &Error{Code: EREJECTED, Op: op, Message: message, Err: err}
}

func as[T error](err error) (T, bool) {
	var target T
	if err == nil {
		return target, false
	}
	ok := errors.As(err, &target)
	return target, ok
}
