package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/switchboard/internal/address"
	"github.com/dukerupert/switchboard/internal/contact"
	"github.com/dukerupert/switchboard/internal/domain"
)

// SessionEdit is the editable part of a session as sent by the browser on
// every (debounced) save. The whole state is sent each time.
type SessionEdit struct {
	Contact    domain.Contact        `json:"contact"`
	Shipping   domain.Address        `json:"shipping"`
	Billing    domain.BillingAddress `json:"billing"`
	Phone      PhoneEdit             `json:"phone"`
	Plan       domain.PlanSelection  `json:"plan"`
	Hardware   map[string]int        `json:"hardware" validate:"omitempty,max=20,dive,keys,min=1,max=64,endkeys,min=0,max=100"`
	OwnDevices int                   `json:"own_devices" validate:"min=0,max=100"`
	AddOns     domain.AddOns         `json:"add_ons"`
}

// PhoneEdit holds the phone fields the customer controls. Portability and
// reservation results are set by the service only.
type PhoneEdit struct {
	Mode           domain.PhoneMode `json:"mode,omitempty" validate:"omitempty,oneof=port new"`
	PortNumber     string           `json:"port_number,omitempty" validate:"max=32"`
	AreaCode       string           `json:"area_code,omitempty" validate:"omitempty,len=3,numeric"`
	SelectedNumber string           `json:"selected_number,omitempty" validate:"max=32"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate normalizes e in place and then checks field formats.
// Completeness is the wizard's concern.
func (e *SessionEdit) Validate(op string) error {
	e.normalize()
	var result error

	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return domain.Internal(err, op, "failed to validate checkout details")
		}
		for _, fe := range verrs {
			result = domain.AddFieldError(result, fieldPath(fe.Namespace()), fieldMessage(fe))
		}
	}

	if m := strings.TrimSpace(e.Contact.Mobile); m != "" {
		if _, err := contact.NormalizePhone(m); err != nil {
			result = domain.AddFieldError(result, "contact.mobile", "must be a 10-digit phone number")
		}
	}
	if e.Phone.Mode == domain.PhoneModePort {
		if n := strings.TrimSpace(e.Phone.PortNumber); n != "" {
			if _, err := contact.NormalizePhone(n); err != nil {
				result = domain.AddFieldError(result, "phone.port_number", "must be a 10-digit phone number")
			}
		}
	}

	if ve, ok := result.(*domain.ValidationError); ok {
		ve.Op = op
		return ve
	}
	return nil
}

// normalize strips the whitespace autofill and paste leave behind, so format
// checks see what will be stored.
func (e *SessionEdit) normalize() {
	e.Contact.FirstName = strings.TrimSpace(e.Contact.FirstName)
	e.Contact.LastName = strings.TrimSpace(e.Contact.LastName)
	e.Contact.Email = strings.ToLower(strings.TrimSpace(e.Contact.Email))
	e.Contact.Mobile = strings.TrimSpace(e.Contact.Mobile)
	e.Shipping = address.Normalize(e.Shipping)
	e.Billing.Address = address.Normalize(e.Billing.Address)
	e.Phone.PortNumber = strings.TrimSpace(e.Phone.PortNumber)
	e.Phone.AreaCode = strings.TrimSpace(e.Phone.AreaCode)
	e.Phone.SelectedNumber = strings.TrimSpace(e.Phone.SelectedNumber)
}

// apply copies the edit onto the session, normalizing as it goes and
// invalidating verification results whose inputs changed.
func (e *SessionEdit) apply(s *domain.CheckoutSession) {
	s.Contact = domain.Contact{
		FirstName: strings.TrimSpace(e.Contact.FirstName),
		LastName:  strings.TrimSpace(e.Contact.LastName),
		Email:     strings.ToLower(strings.TrimSpace(e.Contact.Email)),
		Mobile:    normalizePhoneOrRaw(e.Contact.Mobile),
	}

	shipping := address.Normalize(e.Shipping)
	if shipping != s.Shipping {
		s.AddressVerified = false
	}
	s.Shipping = shipping
	s.Billing = domain.BillingAddress{SameAsShipping: e.Billing.SameAsShipping}
	if !e.Billing.SameAsShipping {
		s.Billing.Address = address.Normalize(e.Billing.Address)
	}

	port := normalizePhoneOrRaw(e.Phone.PortNumber)
	if port != s.Phone.PortNumber {
		s.Phone.PortabilityChecked = false
		s.Phone.Portable = false
	}
	s.Phone.Mode = e.Phone.Mode
	s.Phone.PortNumber = port
	s.Phone.AreaCode = strings.TrimSpace(e.Phone.AreaCode)
	s.Phone.SelectedNumber = strings.TrimSpace(e.Phone.SelectedNumber)
	s.Phone.Normalize()

	s.Plan = e.Plan
	s.Hardware = make(map[string]int, len(e.Hardware))
	for id, qty := range e.Hardware {
		if qty > 0 {
			s.Hardware[id] = qty
		}
	}
	s.OwnDevices = e.OwnDevices
	s.AddOns = e.AddOns
	if s.AddOns.HasInternet || !s.AddOns.AddInternetPackage {
		s.AddOns.AddInternetPackage = false
		s.AddOns.InternetPackage = ""
		s.AddOns.InternetDevice = ""
	}
}

func normalizePhoneOrRaw(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if n, err := contact.NormalizePhone(raw); err == nil {
		return n
	}
	return raw
}

// fieldPath turns "SessionEdit.hardware[desk-phone]" into "hardware.desk-phone".
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		namespace = namespace[i+1:]
	}
	return strings.NewReplacer("[", ".", "]", "").Replace(namespace)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "numeric":
		return "must contain only digits"
	case "iso3166_1_alpha2":
		return "must be a two-letter country code"
	default:
		return "is invalid"
	}
}
