package contact

import "context"

// MockEmailVerifier is a test implementation of EmailVerifier.
type MockEmailVerifier struct {
	VerifyEmailFunc func(ctx context.Context, email string) (*EmailResult, error)
	CallLog         []string
}

// VerifyEmail delegates to VerifyEmailFunc or reports the address deliverable.
func (m *MockEmailVerifier) VerifyEmail(ctx context.Context, email string) (*EmailResult, error) {
	m.CallLog = append(m.CallLog, "VerifyEmail("+email+")")
	if m.VerifyEmailFunc != nil {
		return m.VerifyEmailFunc(ctx, email)
	}
	return &EmailResult{Email: email, Valid: true}, nil
}
