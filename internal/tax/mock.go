package tax

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MockProvider is a test implementation of Provider.
type MockProvider struct {
	QuoteFunc func(ctx context.Context, req Request) (*Quote, error)

	mu       sync.Mutex
	Requests []Request
}

// NewMockProvider creates a mock that answers every request with a single
// 10% sales tax line.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Quote records the request and delegates to QuoteFunc when set.
func (m *MockProvider) Quote(ctx context.Context, req Request) (*Quote, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()

	if m.QuoteFunc != nil {
		return m.QuoteFunc(ctx, req)
	}

	amount := req.Sum().Mul(decimal.RequireFromString("0.10")).Round(2)
	return &Quote{
		Lines:        []Line{{Description: "Sales tax", Amount: amount}},
		Total:        amount,
		SubmissionID: "mock_sub_" + req.PostalCode,
		PostalCode:   req.PostalCode,
	}, nil
}

// Calls returns how many quotes were requested.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
