package address

import (
	"context"
	"log/slog"

	"github.com/dukerupert/switchboard/internal/domain"
)

// UnverifiedWarning is attached to results accepted without remote verification.
const UnverifiedWarning = "address could not be verified right now and was accepted as entered"

// FailOpenValidator runs the local format checks and then asks the remote
// provider. Format errors block; a remote outage does not.
type FailOpenValidator struct {
	basic  *BasicValidator
	remote Validator
	logger *slog.Logger
}

// NewFailOpenValidator wraps remote. A nil remote means format checks only.
func NewFailOpenValidator(remote Validator, logger *slog.Logger) *FailOpenValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailOpenValidator{basic: NewBasicValidator(), remote: remote, logger: logger}
}

// Validate implements Validator.
func (v *FailOpenValidator) Validate(ctx context.Context, addr domain.Address) (*ValidationResult, error) {
	local, _ := v.basic.Validate(ctx, addr)
	if !local.IsValid || v.remote == nil {
		return local, nil
	}

	remote, err := v.remote.Validate(ctx, *local.NormalizedAddress)
	if err != nil {
		v.logger.Warn("address verification unavailable, accepting address", "error", err)
		local.Warnings = append(local.Warnings, UnverifiedWarning)
		return local, nil
	}
	if remote.NormalizedAddress == nil {
		remote.NormalizedAddress = local.NormalizedAddress
	}
	return remote, nil
}

// FailOpenAutocompleter returns an empty suggestion list when the provider
// is down; the customer can still type the address by hand.
type FailOpenAutocompleter struct {
	remote Autocompleter
	logger *slog.Logger
}

// NewFailOpenAutocompleter wraps remote. A nil remote never suggests.
func NewFailOpenAutocompleter(remote Autocompleter, logger *slog.Logger) *FailOpenAutocompleter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailOpenAutocompleter{remote: remote, logger: logger}
}

// Suggest implements Autocompleter.
func (a *FailOpenAutocompleter) Suggest(ctx context.Context, query string) (*Suggestions, error) {
	empty := &Suggestions{Query: query, Items: []Suggestion{}}
	if a.remote == nil {
		return empty, nil
	}
	s, err := a.remote.Suggest(ctx, query)
	if err != nil {
		a.logger.Warn("address autocomplete unavailable", "error", err)
		return empty, nil
	}
	s.Query = query
	return s, nil
}
