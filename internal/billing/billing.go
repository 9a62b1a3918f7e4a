package billing

import (
	"context"
	"time"
)

// Provider defines the interface for payment processing.
// The checkout only needs one-time payment intents and the customer record
// they are attached to; recurring billing is handled by provisioning.
type Provider interface {
	// CreatePaymentIntent creates a payment intent for the order total.
	// Returns payment intent with client_secret for frontend confirmation.
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// GetPaymentIntent retrieves an existing payment intent.
	// SECURITY: Validates session_id in intent metadata before returning.
	GetPaymentIntent(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error)

	// UpdatePaymentIntent updates the amount or metadata before confirmation.
	// Called whenever a pricing-relevant change made the intent stale.
	UpdatePaymentIntent(ctx context.Context, params UpdatePaymentIntentParams) (*PaymentIntent, error)

	// ConfirmPaymentIntent confirms the intent with a payment method collected
	// by the browser. A returned intent with status requires_action carries
	// the step-up redirect URL in NextActionURL.
	ConfirmPaymentIntent(ctx context.Context, params ConfirmPaymentIntentParams) (*PaymentIntent, error)

	// CancelPaymentIntent cancels a payment intent that hasn't been confirmed.
	CancelPaymentIntent(ctx context.Context, paymentIntentID string, sessionID string) error

	// VerifyWebhookSignature verifies that a webhook request is authentic.
	VerifyWebhookSignature(payload []byte, signature string, secret string) error

	// CreateCustomer creates a customer record in the billing provider.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// GetCustomerByEmail searches for an existing customer by email.
	// Returns nil, nil if no customer found (not an error).
	GetCustomerByEmail(ctx context.Context, email string) (*Customer, error)

	// UpdateCustomer updates customer information.
	// Used after an order is placed to attach the order id and plan.
	UpdateCustomer(ctx context.Context, customerID string, params UpdateCustomerParams) (*Customer, error)
}

// CreateCustomerParams contains parameters for creating a customer.
type CreateCustomerParams struct {
	Email       string
	Name        string
	Phone       string
	Description string
	Address     *PaymentAddress
	Metadata    map[string]string
}

// Customer represents a billing customer.
type Customer struct {
	ID        string
	Email     string
	Name      string
	Metadata  map[string]string
	CreatedAt time.Time
}

// CreatePaymentIntentParams contains parameters for creating a payment intent.
type CreatePaymentIntentParams struct {
	// AmountCents is the amount in smallest currency unit (cents for USD)
	AmountCents int64

	// Currency code (ISO 4217) - e.g., "usd", "cad"
	Currency string

	// CustomerID links the payment to an existing customer
	CustomerID string

	// CustomerEmail is used as the receipt email
	CustomerEmail string

	// Description appears in the Stripe dashboard, e.g. "Annual plan, 3 users"
	Description string

	// Metadata for filtering and reporting (always include session_id)
	Metadata map[string]string

	// IdempotencyKey prevents duplicate payment intents for one session
	IdempotencyKey string

	// ShippingAddress is attached when hardware ships
	ShippingAddress *PaymentAddress

	// ShippingName is the recipient name for ShippingAddress
	ShippingName string
}

// PaymentAddress represents a billing or shipping address.
type PaymentAddress struct {
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// PaymentIntent represents a payment intent.
type PaymentIntent struct {
	// ID is the Stripe payment intent ID (pi_...)
	ID string

	// ClientSecret is used by Stripe.js on frontend to collect payment details
	ClientSecret string

	// AmountCents is the amount in smallest currency unit (cents)
	AmountCents int64

	// Currency code
	Currency string

	// Status: requires_payment_method, requires_confirmation, requires_action,
	// processing, succeeded, canceled
	Status string

	// CustomerID is the customer the intent is attached to
	CustomerID string

	// Metadata passed during creation
	Metadata map[string]string

	// NextActionURL is the step-up authentication redirect, if any
	NextActionURL string

	// CreatedAt is when payment intent was created
	CreatedAt time.Time

	// LastPaymentError contains details if payment failed
	LastPaymentError *PaymentError

	// ReceiptEmail is the email where Stripe sends receipts
	ReceiptEmail string
}

// Payment intent statuses the checkout acts on.
const (
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusRequiresConfirmation  = "requires_confirmation"
	StatusRequiresAction        = "requires_action"
	StatusProcessing            = "processing"
	StatusSucceeded             = "succeeded"
	StatusCanceled              = "canceled"
)

// Succeeded reports whether the payment has been collected.
func (pi *PaymentIntent) Succeeded() bool {
	return pi != nil && pi.Status == StatusSucceeded
}

// RequiresAction reports whether the customer must complete a step-up
// authentication before the payment can succeed.
func (pi *PaymentIntent) RequiresAction() bool {
	return pi != nil && pi.Status == StatusRequiresAction
}

// PaymentError contains details about a failed payment attempt.
type PaymentError struct {
	Type        string // Stripe error type, e.g. "card_error"
	Code        string // Stripe error code
	Message     string // Human-readable message
	DeclineCode string // Reason card was declined (if applicable)
}

// GetPaymentIntentParams contains parameters for retrieving a payment intent.
type GetPaymentIntentParams struct {
	// PaymentIntentID is the Stripe payment intent ID
	PaymentIntentID string

	// SessionID must match the session_id in payment intent metadata
	SessionID string
}

// UpdatePaymentIntentParams contains parameters for updating a payment intent.
type UpdatePaymentIntentParams struct {
	// PaymentIntentID is the Stripe payment intent ID
	PaymentIntentID string

	// SessionID must match the session_id in payment intent metadata
	SessionID string

	// AmountCents updates the amount (must be before confirmation)
	AmountCents int64

	// Metadata updates or adds metadata fields
	Metadata map[string]string

	// Description updates the description
	Description string
}

// ConfirmPaymentIntentParams contains parameters for confirming a payment intent.
type ConfirmPaymentIntentParams struct {
	PaymentIntentID string

	// SessionID must match the session_id in payment intent metadata
	SessionID string

	// PaymentMethodID is the pm_... collected by the payment element
	PaymentMethodID string

	// ReturnURL is where the processor sends the customer after step-up
	ReturnURL string
}

// UpdateCustomerParams contains parameters for updating a customer.
type UpdateCustomerParams struct {
	Email       string
	Name        string
	Phone       string
	Description string
	Metadata    map[string]string
}
