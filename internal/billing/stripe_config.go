package billing

import (
	"errors"
	"strings"
)

// StripeConfig configures the Stripe provider.
type StripeConfig struct {
	// APIKey is a secret (sk_) or restricted (rk_) key.
	APIKey string

	// WebhookSecret verifies payment_intent events (whsec_...).
	WebhookSecret string

	// Currency is the lowercase ISO code charged when a request names none.
	// Empty means usd.
	Currency string

	MaxRetries     int // 0 means 3
	TimeoutSeconds int // 0 means 30
}

// Validate reports every missing or malformed field at once.
func (c *StripeConfig) Validate() error {
	var errs []error
	switch {
	case c.APIKey == "":
		errs = append(errs, errors.New("stripe: API key is required"))
	case !strings.HasPrefix(c.APIKey, "sk_") && !strings.HasPrefix(c.APIKey, "rk_"):
		errs = append(errs, errors.New("stripe: API key must be a secret or restricted key"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe: webhook secret is required"))
	}
	if c.Currency != "" && !isCurrencyCode(c.Currency) {
		errs = append(errs, errors.New("stripe: currency must be a lowercase three-letter code"))
	}
	return errors.Join(errs...)
}

// IsTestMode reports whether the key only reaches Stripe's test environment.
func (c *StripeConfig) IsTestMode() bool {
	return strings.HasPrefix(c.APIKey, "sk_test_") || strings.HasPrefix(c.APIKey, "rk_test_")
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, c := range s {
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}
