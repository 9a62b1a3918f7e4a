package wizard

import (
	"github.com/dukerupert/switchboard/internal/contact"
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/pricing"
)

const guardOp = "wizard.guard"

type fieldErrors struct {
	err error
}

func (f *fieldErrors) add(field, msg string) {
	f.err = domain.AddFieldError(f.err, field, msg)
}

func (f *fieldErrors) result() error {
	if f.err == nil {
		return nil
	}
	if ve, ok := f.err.(*domain.ValidationError); ok {
		ve.Op = guardOp
	}
	return f.err
}

func requireAddress(f *fieldErrors, prefix string, a domain.Address) {
	if a.Street == "" {
		f.add(prefix+".street", "is required")
	}
	if a.City == "" {
		f.add(prefix+".city", "is required")
	}
	if a.Region == "" {
		f.add(prefix+".region", "is required")
	}
	if a.PostalCode == "" {
		f.add(prefix+".postal_code", "is required")
	}
	if a.Country == "" {
		f.add(prefix+".country", "is required")
	}
}

// addressComplete requires contact details, a resolved shipping address and
// an explicit port-or-new choice. Porting also needs a number that passed
// the portability check.
func addressComplete(s *domain.CheckoutSession) error {
	var f fieldErrors

	if s.Contact.FirstName == "" {
		f.add("contact.first_name", "is required")
	}
	if s.Contact.LastName == "" {
		f.add("contact.last_name", "is required")
	}
	if !contact.WellFormed(s.Contact.Email) {
		f.add("contact.email", "must be a valid email address")
	}

	requireAddress(&f, "shipping", s.Shipping)
	if s.Shipping.Complete() && !s.AddressVerified {
		f.add("shipping", "address has not been validated")
	}
	if !s.Billing.SameAsShipping {
		requireAddress(&f, "billing", s.Billing.Address)
	}

	switch s.Phone.Mode {
	case domain.PhoneModePort:
		switch {
		case s.Phone.PortNumber == "":
			f.add("phone.port_number", "is required")
		case !s.Phone.PortabilityChecked:
			f.add("phone.port_number", "portability has not been checked")
		case !s.Phone.Portable:
			f.add("phone.port_number", "this number cannot be transferred")
		}
	case domain.PhoneModeNew:
	default:
		f.add("phone.mode", "choose whether to keep your number or get a new one")
	}

	return f.result()
}

func businessNeedsComplete(s *domain.CheckoutSession) error {
	var f fieldErrors

	switch s.Plan.Tier {
	case domain.TierShortTerm, domain.TierAnnual, domain.TierMultiYear:
	default:
		f.add("plan.tier", "choose a plan")
	}
	if s.Plan.Users < pricing.MinUsers || s.Plan.Users > pricing.MaxUsers {
		f.add("plan.users", "must be between 1 and 25")
	}
	switch s.Plan.CallingMode {
	case domain.CallingHardware, domain.CallingApp:
	default:
		f.add("plan.calling_mode", "choose how your team will make calls")
	}

	if !s.AddOns.HasInternet && s.AddOns.AddInternetPackage {
		if s.AddOns.InternetPackage == "" {
			f.add("add_ons.internet_package", "choose an internet package")
		}
		if s.AddOns.InternetDevice == "" {
			f.add("add_ons.internet_device", "choose to rent or buy the router")
		}
	}

	return f.result()
}

func numberSelectionComplete(s *domain.CheckoutSession) error {
	var f fieldErrors
	if s.Phone.SelectedNumber == "" {
		f.add("phone.selected_number", "choose a number")
	}
	return f.result()
}

func hardwareSelectionComplete(s *domain.CheckoutSession) error {
	var f fieldErrors

	units := s.OwnDevices
	for id, qty := range s.Hardware {
		if qty < 0 {
			f.add("hardware."+id, "quantity cannot be negative")
		}
		units += qty
	}
	if s.OwnDevices < 0 {
		f.add("own_devices", "cannot be negative")
	}
	if units <= 0 {
		f.add("hardware", "choose at least one phone or bring your own")
	}

	return f.result()
}
