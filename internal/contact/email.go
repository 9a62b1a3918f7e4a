package contact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dukerupert/switchboard/internal/resilience"
)

// ErrNotConfigured means no email verification credentials were supplied.
var ErrNotConfigured = errors.New("contact: email verification not configured")

// HTTPEmailVerifier calls an email verification REST API.
type HTTPEmailVerifier struct {
	baseURL string
	apiKey  string
	client  resilience.Doer
}

// NewHTTPEmailVerifier creates an email verification client.
func NewHTTPEmailVerifier(baseURL, apiKey string, client resilience.Doer) *HTTPEmailVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEmailVerifier{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

type verifyEmailResponse struct {
	Result     string `json:"result"` // deliverable, undeliverable, risky, unknown
	Disposable bool   `json:"disposable"`
	DidYouMean string `json:"did_you_mean"`
	Reason     string `json:"reason"`
}

// VerifyEmail calls GET /v1/verify?email=.
func (v *HTTPEmailVerifier) VerifyEmail(ctx context.Context, email string) (*EmailResult, error) {
	if v.baseURL == "" || v.apiKey == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v1/verify?email="+url.QueryEscape(email), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("email verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("email verification returned status %d", resp.StatusCode)
	}

	var body verifyEmailResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse email verification response: %w", err)
	}

	return &EmailResult{
		Email:      email,
		Valid:      body.Result != "undeliverable",
		Disposable: body.Disposable,
		Suggestion: body.DidYouMean,
		Reason:     body.Reason,
	}, nil
}

// EmailValidator combines the syntax check with an optional remote verifier.
type EmailValidator struct {
	remote EmailVerifier
	logger *slog.Logger
}

// NewEmailValidator creates a validator. remote may be nil.
func NewEmailValidator(remote EmailVerifier, logger *slog.Logger) *EmailValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailValidator{remote: remote, logger: logger}
}

// ValidateEmail checks syntax locally and deliverability remotely. Remote
// failures never reject a well-formed address.
func (v *EmailValidator) ValidateEmail(ctx context.Context, email string) (*EmailResult, error) {
	email = strings.TrimSpace(email)
	if !WellFormed(email) {
		return &EmailResult{Email: email, Valid: false, Reason: "invalid_syntax"}, nil
	}
	if v.remote == nil {
		return &EmailResult{Email: email, Valid: true}, nil
	}

	result, err := v.remote.VerifyEmail(ctx, email)
	if err != nil {
		v.logger.Warn("email verification unavailable, accepting address", "error", err)
		return &EmailResult{Email: email, Valid: true, Warnings: []string{UnverifiedWarning}}, nil
	}
	result.Email = email
	return result, nil
}
