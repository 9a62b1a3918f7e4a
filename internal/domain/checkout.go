package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SessionRetention is how long a checkout session can be resumed after it
// was first created.
const SessionRetention = 30 * 24 * time.Hour

// Step identifies a page of the checkout wizard.
type Step int

const (
	StepAddress Step = iota + 1
	StepBusinessNeeds
	StepNumberSelection
	StepHardwareSelection
	StepPayment
)

func (s Step) String() string {
	switch s {
	case StepAddress:
		return "address"
	case StepBusinessNeeds:
		return "business_needs"
	case StepNumberSelection:
		return "number_selection"
	case StepHardwareSelection:
		return "hardware_selection"
	case StepPayment:
		return "payment"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the five wizard steps.
func (s Step) Valid() bool {
	return s >= StepAddress && s <= StepPayment
}

// PhoneMode is the customer's choice between porting and a new number.
type PhoneMode string

const (
	PhoneModePort PhoneMode = "port"
	PhoneModeNew  PhoneMode = "new"
)

// PlanTier is the billing term the customer pays for up front.
type PlanTier string

const (
	TierShortTerm PlanTier = "short_term"
	TierAnnual    PlanTier = "annual"
	TierMultiYear PlanTier = "multi_year"
)

// AllTiers lists every plan tier in display order.
var AllTiers = []PlanTier{TierShortTerm, TierAnnual, TierMultiYear}

// CallingMode decides whether users call from desk hardware or the app.
type CallingMode string

const (
	CallingHardware CallingMode = "hardware"
	CallingApp      CallingMode = "app"
)

// InternetPackage is the bundled connectivity tier.
type InternetPackage string

const (
	InternetPhoneOnly InternetPackage = "phone_only"
	InternetFull      InternetPackage = "full"
)

// InternetDevice is how the customer obtains the router for the package.
type InternetDevice string

const (
	DeviceRental   InternetDevice = "rental"
	DevicePurchase InternetDevice = "purchase"
)

// PaymentState tracks the local mirror of the processor's payment intent.
type PaymentState string

const (
	PaymentNone       PaymentState = "none"
	PaymentCreating   PaymentState = "creating"
	PaymentSynced     PaymentState = "synced"
	PaymentStale      PaymentState = "stale"
	PaymentSyncing    PaymentState = "syncing"
	PaymentConfirming PaymentState = "confirming"
	PaymentSucceeded  PaymentState = "succeeded"
	PaymentFailed     PaymentState = "failed"
)

// Contact holds the purchaser's details.
type Contact struct {
	FirstName string `json:"first_name" validate:"omitempty,max=100"`
	LastName  string `json:"last_name" validate:"omitempty,max=100"`
	Email     string `json:"email" validate:"omitempty,email,max=254"`
	Mobile    string `json:"mobile" validate:"omitempty,max=32"`
}

// FullName joins the first and last names.
func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Address is a postal address as captured by the wizard.
type Address struct {
	Street     string `json:"street" validate:"max=200"`
	Street2    string `json:"street2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"max=100"`
	Region     string `json:"region" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"max=20"`
	Country    string `json:"country" validate:"omitempty,iso3166_1_alpha2"`
}

// Complete reports whether every required component is present.
func (a Address) Complete() bool {
	return a.Street != "" && a.City != "" && a.Region != "" && a.PostalCode != "" && a.Country != ""
}

// BillingAddress is either the shipping address or an explicit one.
type BillingAddress struct {
	SameAsShipping bool    `json:"same_as_shipping"`
	Address        Address `json:"address"`
}

// PhoneSelection captures how the customer's main number is obtained.
type PhoneSelection struct {
	Mode               PhoneMode `json:"mode,omitempty" validate:"omitempty,oneof=port new"`
	PortNumber         string    `json:"port_number,omitempty"`
	PortabilityChecked bool      `json:"portability_checked"`
	Portable           bool      `json:"portable"`
	AreaCode           string    `json:"area_code,omitempty" validate:"omitempty,len=3,numeric"`
	SelectedNumber     string    `json:"selected_number,omitempty"`
	ReservedNumber     string    `json:"reserved_number,omitempty"`
	ReservationID      string    `json:"reservation_id,omitempty"`
}

// Normalize clears the fields of whichever branch is not active so only one
// of porting and provisioning ever carries data.
func (p *PhoneSelection) Normalize() {
	switch p.Mode {
	case PhoneModePort:
		p.AreaCode = ""
		p.SelectedNumber = ""
		p.ReservedNumber = ""
		p.ReservationID = ""
	case PhoneModeNew:
		p.PortNumber = ""
		p.PortabilityChecked = false
		p.Portable = false
	}
}

// PlanSelection is the service plan chosen on the business needs step.
type PlanSelection struct {
	Tier        PlanTier    `json:"tier,omitempty" validate:"omitempty,oneof=short_term annual multi_year"`
	Users       int         `json:"users" validate:"min=0,max=25"`
	CallingMode CallingMode `json:"calling_mode,omitempty" validate:"omitempty,oneof=hardware app"`
	Promotion   bool        `json:"promotion"`
}

// AddOns are the optional extras layered on top of the plan.
type AddOns struct {
	Protection         bool            `json:"protection"`
	Fax                bool            `json:"fax"`
	HasInternet        bool            `json:"has_internet"`
	AddInternetPackage bool            `json:"add_internet_package"`
	InternetPackage    InternetPackage `json:"internet_package,omitempty" validate:"omitempty,oneof=phone_only full"`
	InternetDevice     InternetDevice  `json:"internet_device,omitempty" validate:"omitempty,oneof=rental purchase"`
}

// PaymentLink mirrors the processor-side payment intent.
type PaymentLink struct {
	CustomerID   string          `json:"customer_id,omitempty"`
	IntentID     string          `json:"intent_id,omitempty"`
	ClientSecret string          `json:"client_secret,omitempty"`
	SyncedAmount decimal.Decimal `json:"synced_amount"`
	State        PaymentState    `json:"state"`
	SubmissionID string          `json:"submission_id,omitempty"`
	LastFailure  string          `json:"last_failure,omitempty"`
	// IntentGeneration counts intents abandoned because the processor lost
	// them. It is part of the create idempotency key.
	IntentGeneration int `json:"intent_generation,omitempty"`
}

// Progress records where the customer is in the wizard.
type Progress struct {
	Step        Step   `json:"step"`
	Visited     []Step `json:"visited"`
	Completed   bool   `json:"completed"`
	OrderPlaced bool   `json:"order_placed"`
	OrderID     string `json:"order_id,omitempty"`
}

// ReceiptLine is one row on the confirmation page.
type ReceiptLine struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Receipt is everything the success page needs. It is written before a
// payment is confirmed so it survives a redirect to the card issuer.
type Receipt struct {
	OrderID   string          `json:"order_id"`
	Tier      PlanTier        `json:"tier"`
	Users     int             `json:"users"`
	Lines     []ReceiptLine   `json:"lines"`
	Tax       decimal.Decimal `json:"tax"`
	Total     decimal.Decimal `json:"total"`
	Estimate  bool            `json:"estimate"`
	CreatedAt time.Time       `json:"created_at"`
}

// CheckoutSession is the durable state of one customer's trip through the
// wizard.
type CheckoutSession struct {
	ID        string    `json:"id"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Contact         Contact        `json:"contact"`
	Shipping        Address        `json:"shipping"`
	AddressVerified bool           `json:"address_verified"`
	Billing         BillingAddress `json:"billing"`
	Phone           PhoneSelection `json:"phone"`
	Plan            PlanSelection  `json:"plan"`
	Hardware        map[string]int `json:"hardware"`
	OwnDevices      int            `json:"own_devices" validate:"min=0,max=100"`
	AddOns          AddOns         `json:"add_ons"`

	Payment  PaymentLink `json:"payment"`
	Progress Progress    `json:"progress"`
	Receipt  *Receipt    `json:"receipt,omitempty"`
}

// NewCheckoutSession starts a session on the address step.
func NewCheckoutSession(id string, now time.Time) *CheckoutSession {
	now = now.UTC()
	return &CheckoutSession{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(SessionRetention),
		Shipping:  Address{Country: "US"},
		Billing:   BillingAddress{SameAsShipping: true},
		Plan:      PlanSelection{Tier: TierAnnual, Users: 1},
		Hardware:  map[string]int{},
		Payment:   PaymentLink{State: PaymentNone, SyncedAmount: decimal.Zero},
		Progress:  Progress{Step: StepAddress, Visited: []Step{StepAddress}},
	}
}

// Expired reports whether the session is past its retention window.
func (s *CheckoutSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// BillingAddressOrShipping resolves the effective billing address.
func (s *CheckoutSession) BillingAddressOrShipping() Address {
	if s.Billing.SameAsShipping {
		return s.Shipping
	}
	return s.Billing.Address
}

// Locked reports whether edits are no longer accepted.
func (s *CheckoutSession) Locked() bool {
	return s.Progress.OrderPlaced || s.Payment.State == PaymentConfirming
}
