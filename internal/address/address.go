// Package address validates and autocompletes postal addresses for the
// checkout address step.
package address

import (
	"context"

	"github.com/dukerupert/switchboard/internal/domain"
)

// Validator defines the interface for address validation.
// Implementations can use external APIs like Google, USPS, Canada Post, etc.
type Validator interface {
	// Validate checks if an address is valid and deliverable.
	// Returns normalized address if validation succeeds.
	// Even if IsValid is false, NormalizedAddress may contain corrections.
	Validate(ctx context.Context, addr domain.Address) (*ValidationResult, error)
}

// Autocompleter suggests addresses while the customer types.
type Autocompleter interface {
	// Suggest returns candidates for a partial query. The response carries
	// the query it answers so the browser can drop answers to stale
	// keystrokes.
	Suggest(ctx context.Context, query string) (*Suggestions, error)
}

// ValidationResult contains the outcome of address validation.
type ValidationResult struct {
	IsValid           bool              `json:"is_valid"`
	NormalizedAddress *domain.Address   `json:"normalized_address,omitempty"`
	Errors            []ValidationError `json:"errors,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
}

// ValidationError represents a specific validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Suggestions is an autocomplete answer.
type Suggestions struct {
	Query string       `json:"query"`
	Items []Suggestion `json:"items"`
}

// Suggestion is one autocomplete candidate.
type Suggestion struct {
	Label   string         `json:"label"`
	Address domain.Address `json:"address"`
}

// AsDomainError converts a failed result into a field-scoped validation error.
func (r *ValidationResult) AsDomainError(op string) error {
	if r == nil || r.IsValid {
		return nil
	}
	if len(r.Errors) == 0 {
		return domain.NewValidationError(op, "address", "address could not be verified")
	}
	var err error
	for _, e := range r.Errors {
		err = domain.AddFieldError(err, e.Field, e.Message)
	}
	err.(*domain.ValidationError).Op = op
	return err
}
