package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned when Stripe API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")

	// ErrPaymentIntentNotFound is returned when payment intent does not exist
	// or belongs to another checkout session.
	ErrPaymentIntentNotFound = errors.New("billing: payment intent not found")

	// ErrPaymentFailed is returned when payment fails (card declined, etc.)
	ErrPaymentFailed = errors.New("billing: payment failed")

	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrIdempotencyConflict is returned when idempotency key matches a different request.
	ErrIdempotencyConflict = errors.New("billing: idempotency key conflict")

	// ErrMissingSessionID is returned when an intent would be created without
	// session_id metadata, which ownership checks depend on.
	ErrMissingSessionID = errors.New("billing: session_id metadata is required")

	// ErrAmountTooSmall is returned when payment amount is below Stripe's minimum.
	ErrAmountTooSmall = errors.New("billing: amount too small (minimum $0.50 USD)")
)

// FailureKind is the customer-facing category of a failed payment.
type FailureKind string

const (
	FailureCardDeclined           FailureKind = "card_declined"
	FailureValidation             FailureKind = "validation_error"
	FailureAuthenticationRequired FailureKind = "authentication_required"
	FailureGeneric                FailureKind = "generic"
)

// StripeError wraps a Stripe API error with additional context.
type StripeError struct {
	Message       string // Human-readable error message
	Type          string // Stripe error type (e.g., "card_error")
	Code          string // Stripe error code (e.g., "card_declined")
	DeclineCode   string // Card decline reason (if applicable)
	StripeCode    string // HTTP status code from Stripe
	RequestID     string // Stripe request ID for debugging
	OriginalError error  // Original error from Stripe SDK
}

func (e *StripeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("stripe: %s", e.Message)
}

func (e *StripeError) Unwrap() error {
	return e.OriginalError
}

// IsDeclined returns true if error is due to card decline.
func (e *StripeError) IsDeclined() bool {
	return e.Code == "card_declined" || e.DeclineCode != ""
}

// IsTemporary returns true if error is likely transient and retryable.
func (e *StripeError) IsTemporary() bool {
	return e.Code == "rate_limit" || e.Type == "api_error" || e.Type == "api_connection_error"
}

// Kind maps the error onto the categories shown to the customer.
func (e *StripeError) Kind() FailureKind {
	switch {
	case e.Code == "authentication_required" || e.Code == "payment_intent_authentication_failure":
		return FailureAuthenticationRequired
	case e.IsDeclined():
		return FailureCardDeclined
	case e.Type == "card_error" || e.Type == "invalid_request_error":
		return FailureValidation
	default:
		return FailureGeneric
	}
}

// Classify returns the failure category for any error returned by a
// Provider. Errors that did not come from the processor are generic.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	var se *StripeError
	if errors.As(err, &se) {
		return se.Kind()
	}
	return FailureGeneric
}

// ClassifyPaymentError maps the last payment error recorded on an intent.
func ClassifyPaymentError(pe *PaymentError) FailureKind {
	if pe == nil {
		return FailureGeneric
	}
	return (&StripeError{Type: pe.Type, Code: pe.Code, DeclineCode: pe.DeclineCode}).Kind()
}
