package service

import (
	"context"
	"errors"
	"strings"

	"github.com/dukerupert/switchboard/internal/address"
	"github.com/dukerupert/switchboard/internal/contact"
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/numbers"
	"github.com/dukerupert/switchboard/internal/telemetry"
)

// Warnings shown when a soft check could not be performed.
const (
	PortabilityUnverifiedWarning = "we could not confirm this number can be transferred right now; our team will verify it before porting"
	CapacityLimitWarning         = "your number could not be held right now; we will reserve it when your order is processed"
)

// verifyAddressStep runs the soft provider checks for the address step and
// records their results on the session. Provider outages never block.
func (s *CheckoutService) verifyAddressStep(ctx context.Context, sess *domain.CheckoutSession) ([]string, error) {
	const op = "checkout.verify_address"
	var warnings []string
	var result error

	if sess.Shipping.Complete() && !sess.AddressVerified && s.addresses != nil {
		res, err := s.addresses.Validate(ctx, sess.Shipping)
		switch {
		case err != nil:
			return warnings, domain.Internal(err, op, "failed to validate address")
		case !res.IsValid:
			result = prefixFields(res.AsDomainError(op), "shipping")
		default:
			if res.NormalizedAddress != nil {
				sess.Shipping = *res.NormalizedAddress
			}
			sess.AddressVerified = true
			warnings = append(warnings, res.Warnings...)
		}
	}

	if sess.Contact.Email != "" && contact.WellFormed(sess.Contact.Email) && s.emails != nil {
		res, err := s.emails.ValidateEmail(ctx, sess.Contact.Email)
		switch {
		case err != nil:
			return warnings, domain.Internal(err, op, "failed to validate email")
		case !res.Valid:
			msg := "this email address cannot receive mail"
			if res.Suggestion != "" {
				msg = "did you mean " + res.Suggestion + "?"
			}
			result = domain.AddFieldError(result, "contact.email", msg)
		default:
			warnings = append(warnings, res.Warnings...)
		}
	}

	if sess.Phone.Mode == domain.PhoneModePort && sess.Phone.PortNumber != "" && !sess.Phone.PortabilityChecked && s.numbers != nil {
		p, err := s.numbers.CheckPortability(ctx, sess.Phone.PortNumber)
		if err != nil {
			s.logger.Warn("portability check unavailable, accepting number",
				"session_id", sess.ID,
				"error", err,
			)
			sess.Phone.PortabilityChecked = true
			sess.Phone.Portable = true
			warnings = append(warnings, PortabilityUnverifiedWarning)
		} else {
			sess.Phone.PortabilityChecked = true
			sess.Phone.Portable = p.Portable
		}
	}

	if ve, ok := result.(*domain.ValidationError); ok {
		ve.Op = op
		return warnings, ve
	}
	return warnings, nil
}

// reserveNumber holds the selected number when leaving number selection.
// A number already reserved for this session is not reserved again. A
// provider capacity limit is a soft success; any other failure blocks.
func (s *CheckoutService) reserveNumber(ctx context.Context, sess *domain.CheckoutSession) (string, error) {
	const op = "checkout.reserve_number"

	selected := sess.Phone.SelectedNumber
	if sess.Phone.ReservedNumber == selected && sess.Phone.ReservationID != "" {
		return "", nil
	}
	if s.numbers == nil {
		return "", domain.Internal(numbers.ErrNotConfigured, op, "number provider not configured")
	}

	r, err := s.numbers.Reserve(ctx, selected, sess.ID)
	switch {
	case err == nil:
		sess.Phone.ReservedNumber = r.Number
		sess.Phone.ReservationID = r.ID
		recordReservation("reserved")
		return "", nil
	case errors.Is(err, numbers.ErrCapacityLimit):
		s.logger.Warn("number reservation hit capacity limit, continuing",
			"session_id", sess.ID,
			"number", selected,
		)
		sess.Phone.ReservedNumber = ""
		sess.Phone.ReservationID = ""
		recordReservation("capacity_limit")
		return CapacityLimitWarning, nil
	case errors.Is(err, numbers.ErrUnavailable):
		recordReservation("failed")
		return "", domain.Rejected(err, op, "That number was just taken. Please choose another.")
	default:
		recordReservation("failed")
		return "", domain.Unavailable(err, op, "We could not reserve your number. Please try again.")
	}
}

// ValidateAddress checks a single address for the address form.
func (s *CheckoutService) ValidateAddress(ctx context.Context, addr domain.Address) (*address.ValidationResult, error) {
	const op = "checkout.validate_address"
	if s.addresses == nil {
		return nil, domain.Internal(address.ErrNotConfigured, op, "address validation not configured")
	}
	res, err := s.addresses.Validate(ctx, addr)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to validate address")
	}
	return res, nil
}

// SuggestAddresses returns autocomplete candidates. The answer echoes the
// query so the browser can ignore answers to stale keystrokes.
func (s *CheckoutService) SuggestAddresses(ctx context.Context, query string) (*address.Suggestions, error) {
	query = strings.TrimSpace(query)
	if len(query) < 3 || s.autocomplete == nil {
		return &address.Suggestions{Query: query, Items: []address.Suggestion{}}, nil
	}
	return s.autocomplete.Suggest(ctx, query)
}

// ValidateEmail checks deliverability. Provider outages accept the address.
func (s *CheckoutService) ValidateEmail(ctx context.Context, email string) (*contact.EmailResult, error) {
	const op = "checkout.validate_email"
	email = strings.ToLower(strings.TrimSpace(email))
	if !contact.WellFormed(email) {
		return nil, domain.NewValidationError(op, "email", "must be a valid email address")
	}
	if s.emails == nil {
		return &contact.EmailResult{Email: email, Valid: true}, nil
	}
	return s.emails.ValidateEmail(ctx, email)
}

// SearchNumbers lists available numbers in an area code.
func (s *CheckoutService) SearchNumbers(ctx context.Context, areaCode string, limit int) ([]numbers.AvailableNumber, error) {
	const op = "checkout.search_numbers"
	areaCode = strings.TrimSpace(areaCode)
	if len(areaCode) != 3 || strings.Trim(areaCode, "0123456789") != "" {
		return nil, domain.NewValidationError(op, "area_code", "must be 3 digits")
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	if s.numbers == nil {
		return nil, domain.Internal(numbers.ErrNotConfigured, op, "number provider not configured")
	}
	found, err := s.numbers.Search(ctx, areaCode, limit)
	if err != nil {
		return nil, domain.Unavailable(err, op, "Number search is temporarily unavailable. Please try again.")
	}
	return found, nil
}

// CheckPortability asks whether a number can be ported. A provider outage
// answers portable with a warning; the order team verifies it later.
func (s *CheckoutService) CheckPortability(ctx context.Context, number string) (*numbers.Portability, []string, error) {
	const op = "checkout.check_portability"
	normalized, err := contact.NormalizePhone(number)
	if err != nil {
		return nil, nil, domain.NewValidationError(op, "number", "must be a 10-digit phone number")
	}
	if s.numbers == nil {
		return &numbers.Portability{Number: normalized, Portable: true}, []string{PortabilityUnverifiedWarning}, nil
	}
	p, err := s.numbers.CheckPortability(ctx, normalized)
	if err != nil {
		s.logger.With(domain.LogAttrs(ctx)...).Warn("portability check unavailable", "error", err)
		return &numbers.Portability{Number: normalized, Portable: true}, []string{PortabilityUnverifiedWarning}, nil
	}
	return p, nil, nil
}

func prefixFields(err error, prefix string) error {
	ve, ok := err.(*domain.ValidationError)
	if !ok {
		return err
	}
	fields := make(map[string]string, len(ve.Fields))
	for k, v := range ve.Fields {
		if !strings.HasPrefix(k, prefix+".") && k != prefix {
			k = prefix + "." + k
		}
		fields[k] = v
	}
	ve.Fields = fields
	return ve
}

func recordReservation(outcome string) {
	if telemetry.Business != nil {
		telemetry.Business.NumberReservations.WithLabelValues(outcome).Inc()
	}
}
