package numbers

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a test implementation of Provider.
type MockProvider struct {
	SearchFunc           func(ctx context.Context, areaCode string, limit int) ([]AvailableNumber, error)
	CheckPortabilityFunc func(ctx context.Context, number string) (*Portability, error)
	ReserveFunc          func(ctx context.Context, number, sessionID string) (*Reservation, error)

	mu      sync.Mutex
	callLog []string
}

// NewMockProvider creates a mock that finds three numbers per area code,
// reports every number portable and reserves anything.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) log(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callLog = append(m.callLog, call)
}

// Calls returns a copy of the call log.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.callLog...)
}

// Search implements Provider.
func (m *MockProvider) Search(ctx context.Context, areaCode string, limit int) ([]AvailableNumber, error) {
	m.log(fmt.Sprintf("Search(%s)", areaCode))
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, areaCode, limit)
	}
	out := make([]AvailableNumber, 0, 3)
	for i := 1; i <= 3; i++ {
		out = append(out, AvailableNumber{Number: fmt.Sprintf("+1%s555010%d", areaCode, i)})
	}
	return out, nil
}

// CheckPortability implements Provider.
func (m *MockProvider) CheckPortability(ctx context.Context, number string) (*Portability, error) {
	m.log(fmt.Sprintf("CheckPortability(%s)", number))
	if m.CheckPortabilityFunc != nil {
		return m.CheckPortabilityFunc(ctx, number)
	}
	return &Portability{Number: number, Portable: true}, nil
}

// Reserve implements Provider.
func (m *MockProvider) Reserve(ctx context.Context, number, sessionID string) (*Reservation, error) {
	m.log(fmt.Sprintf("Reserve(%s)", number))
	if m.ReserveFunc != nil {
		return m.ReserveFunc(ctx, number, sessionID)
	}
	return &Reservation{ID: "res_" + sessionID, Number: number}, nil
}
