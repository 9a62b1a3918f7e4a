package billing

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
)

// MetadataSessionID is the intent metadata key holding the checkout session id.
const MetadataSessionID = "session_id"

// StripeProvider implements Provider using the Stripe API.
type StripeProvider struct {
	config StripeConfig
}

// NewStripeProvider configures the Stripe SDK and returns a provider.
func NewStripeProvider(config StripeConfig) (*StripeProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	stripe.Key = config.APIKey

	maxRetries := int64(config.MaxRetries)
	if config.MaxRetries == 0 {
		maxRetries = 3
	}
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(maxRetries),
	}))

	return &StripeProvider{config: config}, nil
}

// CreatePaymentIntent creates a Stripe payment intent.
func (s *StripeProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	if params.AmountCents < 50 {
		return nil, ErrAmountTooSmall
	}
	if params.Metadata[MetadataSessionID] == "" {
		return nil, ErrMissingSessionID
	}
	currency := params.Currency
	if currency == "" {
		currency = s.config.Currency
	}
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	p := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(params.AmountCents),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	p.Context = ctx
	if params.CustomerID != "" {
		p.Customer = stripe.String(params.CustomerID)
	}
	if params.CustomerEmail != "" {
		p.ReceiptEmail = stripe.String(params.CustomerEmail)
	}
	if params.Description != "" {
		p.Description = stripe.String(params.Description)
	}
	if params.ShippingAddress != nil {
		p.Shipping = &stripe.ShippingDetailsParams{
			Name:    stripe.String(params.ShippingName),
			Address: addressParams(params.ShippingAddress),
		}
	}
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}
	if params.IdempotencyKey != "" {
		p.SetIdempotencyKey(params.IdempotencyKey)
	}

	pi, err := paymentintent.New(p)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return toPaymentIntent(pi), nil
}

// GetPaymentIntent retrieves a payment intent and checks session ownership.
func (s *StripeProvider) GetPaymentIntent(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error) {
	pi, err := s.fetchOwned(ctx, params.PaymentIntentID, params.SessionID)
	if err != nil {
		return nil, err
	}
	return toPaymentIntent(pi), nil
}

// UpdatePaymentIntent changes the amount of an unconfirmed intent.
func (s *StripeProvider) UpdatePaymentIntent(ctx context.Context, params UpdatePaymentIntentParams) (*PaymentIntent, error) {
	if _, err := s.fetchOwned(ctx, params.PaymentIntentID, params.SessionID); err != nil {
		return nil, err
	}

	p := &stripe.PaymentIntentParams{}
	p.Context = ctx
	if params.AmountCents > 0 {
		if params.AmountCents < 50 {
			return nil, ErrAmountTooSmall
		}
		p.Amount = stripe.Int64(params.AmountCents)
	}
	if params.Description != "" {
		p.Description = stripe.String(params.Description)
	}
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}

	pi, err := paymentintent.Update(params.PaymentIntentID, p)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return toPaymentIntent(pi), nil
}

// ConfirmPaymentIntent confirms the intent server side. Declines come back
// as a *StripeError; step-up authentication comes back as an intent with
// status requires_action.
func (s *StripeProvider) ConfirmPaymentIntent(ctx context.Context, params ConfirmPaymentIntentParams) (*PaymentIntent, error) {
	if _, err := s.fetchOwned(ctx, params.PaymentIntentID, params.SessionID); err != nil {
		return nil, err
	}

	p := &stripe.PaymentIntentConfirmParams{}
	p.Context = ctx
	if params.PaymentMethodID != "" {
		p.PaymentMethod = stripe.String(params.PaymentMethodID)
	}
	if params.ReturnURL != "" {
		p.ReturnURL = stripe.String(params.ReturnURL)
	}

	pi, err := paymentintent.Confirm(params.PaymentIntentID, p)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return toPaymentIntent(pi), nil
}

// CancelPaymentIntent cancels an abandoned intent.
func (s *StripeProvider) CancelPaymentIntent(ctx context.Context, paymentIntentID string, sessionID string) error {
	if _, err := s.fetchOwned(ctx, paymentIntentID, sessionID); err != nil {
		return err
	}

	p := &stripe.PaymentIntentCancelParams{}
	p.Context = ctx
	if _, err := paymentintent.Cancel(paymentIntentID, p); err != nil {
		return wrapStripeError(err)
	}
	return nil
}

// VerifyWebhookSignature verifies a Stripe webhook signature.
func (s *StripeProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	if secret == "" {
		secret = s.config.WebhookSecret
	}
	if _, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}); err != nil {
		return errors.Join(ErrInvalidWebhookSignature, err)
	}
	return nil
}

// CreateCustomer creates a Stripe customer.
func (s *StripeProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	p := &stripe.CustomerParams{
		Email: stripe.String(params.Email),
	}
	p.Context = ctx
	if params.Name != "" {
		p.Name = stripe.String(params.Name)
	}
	if params.Phone != "" {
		p.Phone = stripe.String(params.Phone)
	}
	if params.Description != "" {
		p.Description = stripe.String(params.Description)
	}
	if params.Address != nil {
		p.Address = addressParams(params.Address)
	}
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}

	c, err := customer.New(p)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return toCustomer(c), nil
}

// GetCustomerByEmail returns the most recent customer with the email, or
// nil when there is none.
func (s *StripeProvider) GetCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	p := &stripe.CustomerListParams{
		Email: stripe.String(email),
	}
	p.Context = ctx
	p.Limit = stripe.Int64(1)

	iter := customer.List(p)
	if iter.Next() {
		return toCustomer(iter.Customer()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError(err)
	}
	return nil, nil
}

// UpdateCustomer updates customer information.
func (s *StripeProvider) UpdateCustomer(ctx context.Context, customerID string, params UpdateCustomerParams) (*Customer, error) {
	p := &stripe.CustomerParams{}
	p.Context = ctx
	if params.Email != "" {
		p.Email = stripe.String(params.Email)
	}
	if params.Name != "" {
		p.Name = stripe.String(params.Name)
	}
	if params.Phone != "" {
		p.Phone = stripe.String(params.Phone)
	}
	if params.Description != "" {
		p.Description = stripe.String(params.Description)
	}
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}

	c, err := customer.Update(customerID, p)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return toCustomer(c), nil
}

// fetchOwned loads an intent and hides it unless it belongs to sessionID.
// An empty sessionID skips the check; only the webhook handler does that.
func (s *StripeProvider) fetchOwned(ctx context.Context, id, sessionID string) (*stripe.PaymentIntent, error) {
	p := &stripe.PaymentIntentParams{}
	p.Context = ctx
	pi, err := paymentintent.Get(id, p)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return nil, ErrPaymentIntentNotFound
		}
		return nil, wrapStripeError(err)
	}
	if sessionID != "" && pi.Metadata[MetadataSessionID] != sessionID {
		return nil, ErrPaymentIntentNotFound
	}
	return pi, nil
}

func addressParams(a *PaymentAddress) *stripe.AddressParams {
	p := &stripe.AddressParams{
		Line1:      stripe.String(a.Line1),
		City:       stripe.String(a.City),
		State:      stripe.String(a.State),
		PostalCode: stripe.String(a.PostalCode),
		Country:    stripe.String(a.Country),
	}
	if a.Line2 != "" {
		p.Line2 = stripe.String(a.Line2)
	}
	return p
}

func toPaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	out := &PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		Metadata:     pi.Metadata,
		CreatedAt:    time.Unix(pi.Created, 0),
		ReceiptEmail: pi.ReceiptEmail,
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		out.NextActionURL = pi.NextAction.RedirectToURL.URL
	}
	if pi.LastPaymentError != nil {
		out.LastPaymentError = &PaymentError{
			Type:        string(pi.LastPaymentError.Type),
			Code:        string(pi.LastPaymentError.Code),
			Message:     pi.LastPaymentError.Msg,
			DeclineCode: string(pi.LastPaymentError.DeclineCode),
		}
	}
	return out
}

func toCustomer(c *stripe.Customer) *Customer {
	return &Customer{
		ID:        c.ID,
		Email:     c.Email,
		Name:      c.Name,
		Metadata:  c.Metadata,
		CreatedAt: time.Unix(c.Created, 0),
	}
}

// wrapStripeError converts SDK errors into *StripeError so callers can
// classify them without importing the SDK.
func wrapStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}
	return &StripeError{
		Message:       se.Msg,
		Type:          string(se.Type),
		Code:          string(se.Code),
		DeclineCode:   string(se.DeclineCode),
		StripeCode:    strconv.Itoa(se.HTTPStatusCode),
		RequestID:     se.RequestID,
		OriginalError: err,
	}
}
