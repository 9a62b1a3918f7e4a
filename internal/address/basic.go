package address

import (
	"context"
	"regexp"
	"strings"

	"github.com/dukerupert/switchboard/internal/domain"
)

var (
	usZIP              = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	caPostal           = regexp.MustCompile(`^[A-Za-z]\d[A-Za-z] ?\d[A-Za-z]\d$`)
	supportedCountries = map[string]bool{"US": true, "CA": true}
)

// BasicValidator performs basic format validation without external API calls.
// Checks for required fields and postal code format.
type BasicValidator struct{}

// NewBasicValidator creates a new basic address validator.
func NewBasicValidator() *BasicValidator {
	return &BasicValidator{}
}

// Validate performs basic validation checks on the address and returns a
// trimmed, upper-cased copy as the normalized address.
func (v *BasicValidator) Validate(ctx context.Context, addr domain.Address) (*ValidationResult, error) {
	n := Normalize(addr)
	result := &ValidationResult{NormalizedAddress: &n}

	required := []struct {
		field string
		value string
	}{
		{"street", n.Street},
		{"city", n.City},
		{"region", n.Region},
		{"postal_code", n.PostalCode},
		{"country", n.Country},
	}
	for _, r := range required {
		if r.value == "" {
			result.Errors = append(result.Errors, ValidationError{Field: r.field, Message: "is required"})
		}
	}

	if n.Country != "" && !supportedCountries[n.Country] {
		result.Errors = append(result.Errors, ValidationError{Field: "country", Message: "service is available in the US and Canada only"})
	}

	if n.PostalCode != "" {
		switch n.Country {
		case "US":
			if !usZIP.MatchString(n.PostalCode) {
				result.Errors = append(result.Errors, ValidationError{Field: "postal_code", Message: "must be a 5 digit ZIP code"})
			}
		case "CA":
			if !caPostal.MatchString(n.PostalCode) {
				result.Errors = append(result.Errors, ValidationError{Field: "postal_code", Message: "must be a postal code like K1A 0B1"})
			}
		}
	}

	result.IsValid = len(result.Errors) == 0
	return result, nil
}

// Normalize trims whitespace and canonicalizes case for comparison and
// storage. Canadian postal codes get their conventional middle space.
func Normalize(addr domain.Address) domain.Address {
	n := domain.Address{
		Street:     strings.TrimSpace(addr.Street),
		Street2:    strings.TrimSpace(addr.Street2),
		City:       strings.TrimSpace(addr.City),
		Region:     strings.ToUpper(strings.TrimSpace(addr.Region)),
		PostalCode: strings.ToUpper(strings.TrimSpace(addr.PostalCode)),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
	}
	if n.Country == "CA" && len(n.PostalCode) == 6 && caPostal.MatchString(n.PostalCode) {
		n.PostalCode = n.PostalCode[:3] + " " + n.PostalCode[3:]
	}
	return n
}
