package service

import (
	"errors"

	"github.com/dukerupert/switchboard/internal/billing"
	"github.com/dukerupert/switchboard/internal/domain"
)

// Session state errors
var (
	ErrOrderPlaced       = domain.Errorf(domain.ECONFLICT, "", "This order has already been placed")
	ErrPaymentInProgress = domain.Errorf(domain.ECONFLICT, "", "A payment is being processed for this checkout")
	ErrNotOnPaymentStep  = domain.Errorf(domain.EINVALID, "", "Complete the previous steps before paying")
	ErrIntentMismatch    = domain.Errorf(domain.EINVALID, "", "This payment does not belong to this checkout")
	ErrAmountMismatch    = domain.Errorf(domain.EINTERNAL, "", "Payment amount is out of date")
)

// PaymentFailure carries the customer-facing category of a failed payment
// inside a domain error.
type PaymentFailure struct {
	Reason billing.FailureKind
	Err    error
}

func (f *PaymentFailure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return string(f.Reason) + ": " + f.Err.Error()
}

func (f *PaymentFailure) Unwrap() error {
	return f.Err
}

// FailureReason returns the payment failure category carried by err, or ""
// when err is not a payment failure.
func FailureReason(err error) billing.FailureKind {
	var f *PaymentFailure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}

var failureMessages = map[billing.FailureKind]string{
	billing.FailureCardDeclined:           "Your card was declined. Try another card or contact your bank.",
	billing.FailureValidation:             "Some payment details are incorrect. Check them and try again.",
	billing.FailureAuthenticationRequired: "Your bank could not verify this payment. Try again and complete the verification step.",
	billing.FailureGeneric:                "We could not complete your payment. Please try again.",
}

// paymentError maps a processor failure onto the error taxonomy. The
// session stays payable, so every variant allows a retry.
func paymentError(op string, kind billing.FailureKind, cause error) error {
	code := domain.EPAYMENT
	if kind == billing.FailureAuthenticationRequired {
		code = domain.EAUTHREQUIRED
	}
	msg, ok := failureMessages[kind]
	if !ok {
		msg = failureMessages[billing.FailureGeneric]
	}
	return &domain.Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Err:     &PaymentFailure{Reason: kind, Err: cause},
	}
}
