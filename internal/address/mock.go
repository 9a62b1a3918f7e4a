package address

import (
	"context"

	"github.com/dukerupert/switchboard/internal/domain"
)

// MockValidator is a test implementation of Validator and Autocompleter.
type MockValidator struct {
	ValidateFunc func(ctx context.Context, addr domain.Address) (*ValidationResult, error)
	SuggestFunc  func(ctx context.Context, query string) (*Suggestions, error)

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockValidator creates a new mock address validator for testing.
func NewMockValidator() *MockValidator {
	return &MockValidator{}
}

// Validate delegates to the configured function or accepts the address.
func (m *MockValidator) Validate(ctx context.Context, addr domain.Address) (*ValidationResult, error) {
	m.CallLog = append(m.CallLog, "Validate("+addr.PostalCode+")")
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx, addr)
	}
	return &ValidationResult{IsValid: true, NormalizedAddress: &addr}, nil
}

// Suggest delegates to the configured function or returns no suggestions.
func (m *MockValidator) Suggest(ctx context.Context, query string) (*Suggestions, error) {
	m.CallLog = append(m.CallLog, "Suggest("+query+")")
	if m.SuggestFunc != nil {
		return m.SuggestFunc(ctx, query)
	}
	return &Suggestions{Query: query, Items: []Suggestion{}}, nil
}
