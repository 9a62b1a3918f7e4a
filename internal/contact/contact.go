// Package contact checks the purchaser's email address and mobile number.
// Remote verification is advisory: when the provider is down the value is
// accepted if it is well formed.
package contact

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPhone is returned for numbers that are not 10-digit NANP numbers.
var ErrInvalidPhone = errors.New("contact: phone number must have 10 digits")

// UnverifiedWarning is attached to emails accepted without remote verification.
const UnverifiedWarning = "email could not be verified right now and was accepted as entered"

// EmailResult is the verdict on one email address.
type EmailResult struct {
	Email      string   `json:"email"`
	Valid      bool     `json:"valid"`
	Disposable bool     `json:"disposable"`
	Suggestion string   `json:"suggestion,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// EmailVerifier is the remote deliverability check.
type EmailVerifier interface {
	VerifyEmail(ctx context.Context, email string) (*EmailResult, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// WellFormed reports whether email passes syntax validation.
func WellFormed(email string) bool {
	return validate.Var(email, "required,email,max=254") == nil
}

// NormalizePhone strips formatting from a North American number and returns
// it in E.164 form, e.g. "(406) 555-0100" becomes "+14065550100".
func NormalizePhone(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) != 10 || d[0] < '2' || d[3] < '2' {
		return "", ErrInvalidPhone
	}
	return "+1" + d, nil
}

// AreaCode returns the three digit area code of a normalized number.
func AreaCode(e164 string) string {
	if len(e164) != 12 {
		return ""
	}
	return e164[2:5]
}
