package billing

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a mock billing provider for testing.
// Simulates payment flows without calling Stripe API.
type MockProvider struct {
	// CreatePaymentIntentFunc allows customizing payment intent creation behavior
	CreatePaymentIntentFunc func(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// GetPaymentIntentFunc allows customizing payment intent retrieval behavior
	GetPaymentIntentFunc func(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error)

	// UpdatePaymentIntentFunc allows customizing payment intent updates
	UpdatePaymentIntentFunc func(ctx context.Context, params UpdatePaymentIntentParams) (*PaymentIntent, error)

	// ConfirmPaymentIntentFunc allows customizing confirmation outcomes
	ConfirmPaymentIntentFunc func(ctx context.Context, params ConfirmPaymentIntentParams) (*PaymentIntent, error)

	// VerifyWebhookSignatureFunc allows customizing webhook verification behavior
	VerifyWebhookSignatureFunc func(payload []byte, signature string, secret string) error

	// CreateCustomerFunc allows customizing customer creation behavior
	CreateCustomerFunc func(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// GetCustomerByEmailFunc allows customizing customer lookup behavior
	GetCustomerByEmailFunc func(ctx context.Context, email string) (*Customer, error)

	// PaymentIntents stores created payment intents for retrieval
	PaymentIntents map[string]*PaymentIntent

	// Customers stores created customers for retrieval
	Customers map[string]*Customer

	// CallLog tracks method calls for test assertions
	CallLog []string

	// replays holds create responses by idempotency key, as Stripe keeps them.
	replays map[string]*PaymentIntent

	mu sync.Mutex
}

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		PaymentIntents: make(map[string]*PaymentIntent),
		Customers:      make(map[string]*Customer),
		CallLog:        []string{},
	}
}

func (m *MockProvider) log(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, call)
}

// Calls returns a copy of the call log.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// Intent returns a copy of a stored payment intent.
func (m *MockProvider) Intent(id string) (PaymentIntent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.PaymentIntents[id]
	if !ok {
		return PaymentIntent{}, false
	}
	return *pi, true
}

// owned returns the stored intent when it belongs to sessionID. Callers hold mu.
func (m *MockProvider) owned(id, sessionID string) (*PaymentIntent, error) {
	pi, exists := m.PaymentIntents[id]
	if !exists {
		return nil, ErrPaymentIntentNotFound
	}
	if sessionID != "" && pi.Metadata[MetadataSessionID] != sessionID {
		return nil, ErrPaymentIntentNotFound
	}
	return pi, nil
}

func copyIntent(pi *PaymentIntent) *PaymentIntent {
	c := *pi
	c.Metadata = maps.Clone(pi.Metadata)
	return &c
}

// CreatePaymentIntent creates a mock payment intent.
func (m *MockProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	m.log(fmt.Sprintf("CreatePaymentIntent(%d, %s)", params.AmountCents, params.Currency))

	if m.CreatePaymentIntentFunc != nil {
		return m.CreatePaymentIntentFunc(ctx, params)
	}
	if params.AmountCents < 50 {
		return nil, ErrAmountTooSmall
	}
	if params.Metadata[MetadataSessionID] == "" {
		return nil, ErrMissingSessionID
	}

	m.mu.Lock()
	if prior, ok := m.replays[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		m.mu.Unlock()
		return copyIntent(prior), nil
	}
	m.mu.Unlock()

	// Default mock behavior: create payment intent awaiting a payment method
	id := "pi_" + uuid.New().String()
	pi := &PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.New().String(),
		AmountCents:  params.AmountCents,
		Currency:     params.Currency,
		Status:       StatusRequiresPaymentMethod,
		CustomerID:   params.CustomerID,
		Metadata:     maps.Clone(params.Metadata),
		CreatedAt:    time.Now(),
		ReceiptEmail: params.CustomerEmail,
	}

	m.mu.Lock()
	m.PaymentIntents[pi.ID] = pi
	if params.IdempotencyKey != "" {
		if m.replays == nil {
			m.replays = make(map[string]*PaymentIntent)
		}
		m.replays[params.IdempotencyKey] = copyIntent(pi)
	}
	m.mu.Unlock()
	return copyIntent(pi), nil
}

// ForgetIntent drops an intent the way an expired or deleted one disappears
// on the processor. Replays of the create that made it still return it.
func (m *MockProvider) ForgetIntent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.PaymentIntents, id)
}

// GetPaymentIntent retrieves a mock payment intent.
func (m *MockProvider) GetPaymentIntent(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error) {
	m.log(fmt.Sprintf("GetPaymentIntent(%s)", params.PaymentIntentID))

	if m.GetPaymentIntentFunc != nil {
		return m.GetPaymentIntentFunc(ctx, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pi, err := m.owned(params.PaymentIntentID, params.SessionID)
	if err != nil {
		return nil, err
	}
	return copyIntent(pi), nil
}

// UpdatePaymentIntent updates a mock payment intent.
func (m *MockProvider) UpdatePaymentIntent(ctx context.Context, params UpdatePaymentIntentParams) (*PaymentIntent, error) {
	m.log(fmt.Sprintf("UpdatePaymentIntent(%s, %d)", params.PaymentIntentID, params.AmountCents))

	if m.UpdatePaymentIntentFunc != nil {
		return m.UpdatePaymentIntentFunc(ctx, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pi, err := m.owned(params.PaymentIntentID, params.SessionID)
	if err != nil {
		return nil, err
	}

	if params.AmountCents > 0 {
		pi.AmountCents = params.AmountCents
	}
	for k, v := range params.Metadata {
		pi.Metadata[k] = v
	}
	return copyIntent(pi), nil
}

// ConfirmPaymentIntent confirms a mock payment intent. By default the
// payment succeeds.
func (m *MockProvider) ConfirmPaymentIntent(ctx context.Context, params ConfirmPaymentIntentParams) (*PaymentIntent, error) {
	m.log(fmt.Sprintf("ConfirmPaymentIntent(%s)", params.PaymentIntentID))

	if m.ConfirmPaymentIntentFunc != nil {
		return m.ConfirmPaymentIntentFunc(ctx, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pi, err := m.owned(params.PaymentIntentID, params.SessionID)
	if err != nil {
		return nil, err
	}
	pi.Status = StatusSucceeded
	return copyIntent(pi), nil
}

// CancelPaymentIntent cancels a mock payment intent.
func (m *MockProvider) CancelPaymentIntent(ctx context.Context, paymentIntentID string, sessionID string) error {
	m.log(fmt.Sprintf("CancelPaymentIntent(%s, %s)", paymentIntentID, sessionID))

	m.mu.Lock()
	defer m.mu.Unlock()
	pi, err := m.owned(paymentIntentID, sessionID)
	if err != nil {
		return err
	}
	pi.Status = StatusCanceled
	return nil
}

// VerifyWebhookSignature verifies a mock webhook signature.
func (m *MockProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	m.log("VerifyWebhookSignature")

	if m.VerifyWebhookSignatureFunc != nil {
		return m.VerifyWebhookSignatureFunc(payload, signature, secret)
	}

	// Default mock behavior: always verify successfully
	return nil
}

// CreateCustomer creates a mock customer.
func (m *MockProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	m.log(fmt.Sprintf("CreateCustomer(%s)", params.Email))

	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, params)
	}

	customer := &Customer{
		ID:        "cus_" + uuid.New().String()[:8],
		Email:     params.Email,
		Name:      params.Name,
		Metadata:  maps.Clone(params.Metadata),
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.Customers[customer.ID] = customer
	m.mu.Unlock()
	return customer, nil
}

// GetCustomerByEmail searches for a mock customer by email.
func (m *MockProvider) GetCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	m.log(fmt.Sprintf("GetCustomerByEmail(%s)", email))

	if m.GetCustomerByEmailFunc != nil {
		return m.GetCustomerByEmailFunc(ctx, email)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, customer := range m.Customers {
		if customer.Email == email {
			return customer, nil
		}
	}
	return nil, nil // Not found
}

// UpdateCustomer updates a mock customer.
func (m *MockProvider) UpdateCustomer(ctx context.Context, customerID string, params UpdateCustomerParams) (*Customer, error) {
	m.log(fmt.Sprintf("UpdateCustomer(%s)", customerID))

	m.mu.Lock()
	defer m.mu.Unlock()
	customer, exists := m.Customers[customerID]
	if !exists {
		return nil, &StripeError{Message: "No such customer", Type: "invalid_request_error", Code: "resource_missing"}
	}
	if params.Name != "" {
		customer.Name = params.Name
	}
	if params.Email != "" {
		customer.Email = params.Email
	}
	if customer.Metadata == nil {
		customer.Metadata = map[string]string{}
	}
	for k, v := range params.Metadata {
		customer.Metadata[k] = v
	}
	return customer, nil
}

// SimulateSucceededPayment updates a payment intent to succeeded status.
// Used in tests to simulate a completed step-up authentication.
func (m *MockProvider) SimulateSucceededPayment(paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return ErrPaymentIntentNotFound
	}

	pi.Status = StatusSucceeded
	return nil
}

// SimulateFailedPayment updates a payment intent to failed status.
// Used in tests to simulate payment failures.
func (m *MockProvider) SimulateFailedPayment(paymentIntentID string, errorCode string, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return ErrPaymentIntentNotFound
	}

	pi.Status = StatusRequiresPaymentMethod
	pi.LastPaymentError = &PaymentError{
		Type:    "card_error",
		Code:    errorCode,
		Message: errorMessage,
	}
	return nil
}
