// Package pricing computes checkout subtotals from a customer's plan,
// hardware and add-on selections.
//
// All arithmetic uses decimal dollars at full precision. Values are rounded
// to cents only by Round and ToCents, at display and transmission
// boundaries.
package pricing

import (
	"fmt"
	"sort"

	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	MinUsers = 1
	MaxUsers = 25
)

// Input is everything that can change the price of an order.
type Input struct {
	Tier               domain.PlanTier        `json:"tier"`
	Users              int                    `json:"users"`
	Hardware           map[string]int         `json:"hardware"`
	OwnDevices         int                    `json:"own_devices"`
	Promotion          bool                   `json:"promotion"`
	Protection         bool                   `json:"protection"`
	Fax                bool                   `json:"fax"`
	HasInternet        bool                   `json:"has_internet"`
	AddInternetPackage bool                   `json:"add_internet_package"`
	InternetPackage    domain.InternetPackage `json:"internet_package"`
	InternetDevice     domain.InternetDevice  `json:"internet_device"`
	Country            string                 `json:"country"`
	PostalCode         string                 `json:"postal_code"`
}

// InputFromSession derives the pricing input from the wizard state. App-only
// customers carry no hardware or managed devices.
func InputFromSession(s *domain.CheckoutSession) Input {
	in := Input{
		Tier:               s.Plan.Tier,
		Users:              s.Plan.Users,
		Promotion:          s.Plan.Promotion,
		Protection:         s.AddOns.Protection,
		Fax:                s.AddOns.Fax,
		HasInternet:        s.AddOns.HasInternet,
		AddInternetPackage: s.AddOns.AddInternetPackage,
		InternetPackage:    s.AddOns.InternetPackage,
		InternetDevice:     s.AddOns.InternetDevice,
		Country:            s.Shipping.Country,
		PostalCode:         s.Shipping.PostalCode,
	}
	if s.Plan.CallingMode != domain.CallingApp {
		in.Hardware = make(map[string]int, len(s.Hardware))
		for id, qty := range s.Hardware {
			if qty != 0 {
				in.Hardware[id] = qty
			}
		}
		in.OwnDevices = s.OwnDevices
	}
	return in
}

// WithTier returns a copy of the input priced on a different tier.
func (in Input) WithTier(tier domain.PlanTier) Input {
	in.Tier = tier
	return in
}

// Equal reports whether two inputs price identically.
func (in Input) Equal(other Input) bool {
	if in.Tier != other.Tier || in.Users != other.Users || in.OwnDevices != other.OwnDevices ||
		in.Promotion != other.Promotion || in.Protection != other.Protection || in.Fax != other.Fax ||
		in.HasInternet != other.HasInternet || in.AddInternetPackage != other.AddInternetPackage ||
		in.InternetPackage != other.InternetPackage || in.InternetDevice != other.InternetDevice ||
		in.Country != other.Country || in.PostalCode != other.PostalCode {
		return false
	}
	return quantitiesEqual(in.Hardware, other.Hardware)
}

func quantitiesEqual(a, b map[string]int) bool {
	for id, qty := range a {
		if qty != b[id] {
			return false
		}
	}
	for id, qty := range b {
		if qty != a[id] {
			return false
		}
	}
	return true
}

// wantsInternet reports whether the internet package is actually being sold.
func (in Input) wantsInternet() bool {
	return !in.HasInternet && in.AddInternetPackage
}

// HardwareLine is a priced hardware selection.
type HardwareLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"`
}

// Breakdown is the priced result for one input.
type Breakdown struct {
	Tier  Tier `json:"-"`
	Users int  `json:"users"`

	// PlanFee is what the customer sees and pays for the plan.
	PlanFee decimal.Decimal `json:"plan_fee"`
	// TaxBasisPlanFee is the undiscounted plan price tax is computed on.
	TaxBasisPlanFee  decimal.Decimal `json:"tax_basis_plan_fee"`
	PromotionApplied bool            `json:"promotion_applied"`

	HardwareLines  []HardwareLine  `json:"hardware_lines"`
	Hardware       decimal.Decimal `json:"hardware"`
	HardwareUnits  int             `json:"hardware_units"`
	ManagedDevices int             `json:"managed_devices"`

	ManagedDeviceFee decimal.Decimal `json:"managed_device_fee"`
	Protection       decimal.Decimal `json:"protection"`
	Fax              decimal.Decimal `json:"fax"`
	FaxRecurring     decimal.Decimal `json:"fax_recurring"`
	Internet         decimal.Decimal `json:"internet"`
	Shipping         decimal.Decimal `json:"shipping"`

	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

// AddOnSubtotal is the taxable add-on spend.
func (b Breakdown) AddOnSubtotal() decimal.Decimal {
	return b.Protection.Add(b.Fax)
}

// TaxableSubtotal is the base the tax provider and the estimate are computed
// on. It uses the undiscounted plan price, includes the managed-device fee
// and shipping, and leaves out the internet package.
func (b Breakdown) TaxableSubtotal() decimal.Decimal {
	return b.TaxBasisPlanFee.
		Add(b.Hardware).
		Add(b.ManagedDeviceFee).
		Add(b.AddOnSubtotal()).
		Add(b.Shipping)
}

// Subtotal is the pre-tax amount the customer pays today.
func (b Breakdown) Subtotal() decimal.Decimal {
	return b.PlanFee.
		Add(b.Hardware).
		Add(b.ManagedDeviceFee).
		Add(b.AddOnSubtotal()).
		Add(b.Shipping).
		Add(b.Internet)
}

// Total adds tax to the subtotal.
func (b Breakdown) Total(tax decimal.Decimal) decimal.Decimal {
	return b.Subtotal().Add(tax)
}

// Lines flattens the breakdown into receipt rows, skipping zero amounts
// other than the plan itself.
func (b Breakdown) Lines() []domain.ReceiptLine {
	lines := []domain.ReceiptLine{{
		Description: fmt.Sprintf("%s plan, %d user(s)", b.Tier.Name, b.Users),
		Amount:      Round(b.PlanFee),
	}}
	add := func(desc string, amt decimal.Decimal) {
		if amt.IsZero() {
			return
		}
		lines = append(lines, domain.ReceiptLine{Description: desc, Amount: Round(amt)})
	}
	for _, hl := range b.HardwareLines {
		add(fmt.Sprintf("%s x%d", hl.Name, hl.Quantity), hl.Amount)
	}
	add(fmt.Sprintf("Managed devices x%d", b.ManagedDevices), b.ManagedDeviceFee)
	add("Device protection", b.Protection)
	add("Fax", b.Fax)
	add("Internet package", b.Internet)
	add("Shipping", b.Shipping)
	return lines
}

// Calculator prices inputs against a catalog.
type Calculator struct {
	catalog           *Catalog
	promotionsEnabled bool
}

// NewCalculator creates a calculator. When promotionsEnabled is false the
// promotion flag on inputs is ignored.
func NewCalculator(catalog *Catalog, promotionsEnabled bool) *Calculator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Calculator{catalog: catalog, promotionsEnabled: promotionsEnabled}
}

// Catalog returns the catalog the calculator prices against.
func (c *Calculator) Catalog() *Catalog {
	return c.catalog
}

// Calculate prices an input. It is deterministic and performs no I/O.
func (c *Calculator) Calculate(in Input) (Breakdown, error) {
	const op = "pricing.calculate"

	tier, err := c.validate(op, in)
	if err != nil {
		return Breakdown{}, err
	}

	users := decimal.NewFromInt(int64(in.Users))
	billed := decimal.NewFromInt(int64(tier.BilledMonths))

	b := Breakdown{
		Tier:             tier,
		Users:            in.Users,
		TaxBasisPlanFee:  tier.PricePerUser().Mul(users),
		Hardware:         decimal.Zero,
		ManagedDeviceFee: decimal.Zero,
		Protection:       decimal.Zero,
		Fax:              decimal.Zero,
		FaxRecurring:     decimal.Zero,
		Internet:         decimal.Zero,
		Shipping:         decimal.Zero,
		Country:          in.Country,
		PostalCode:       in.PostalCode,
	}

	b.PlanFee = b.TaxBasisPlanFee
	if in.Promotion && c.promotionsEnabled {
		if promo, ok := tier.PromoPricePerUser(); ok {
			b.PlanFee = promo.Mul(users)
			b.PromotionApplied = true
		}
	}

	shippable := 0
	ids := make([]string, 0, len(in.Hardware))
	for id := range in.Hardware {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		qty := in.Hardware[id]
		if qty == 0 {
			continue
		}
		p, _ := c.catalog.Product(id)
		amount := p.Price.Mul(decimal.NewFromInt(int64(qty)))
		b.HardwareLines = append(b.HardwareLines, HardwareLine{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  qty,
			UnitPrice: p.Price,
			Amount:    amount,
		})
		b.Hardware = b.Hardware.Add(amount)
		shippable += qty
		if p.Managed {
			b.HardwareUnits += qty
		}
	}

	b.ManagedDevices = b.HardwareUnits + in.OwnDevices
	b.ManagedDeviceFee = ManagedDeviceRate.
		Mul(decimal.NewFromInt(int64(b.ManagedDevices))).
		Mul(billed)

	if in.Protection {
		b.Protection = ProtectionRate.
			Mul(decimal.NewFromInt(int64(b.HardwareUnits))).
			Mul(billed)
	}

	if in.Fax {
		// First period is free; the monthly rate starts afterwards.
		b.FaxRecurring = FaxMonthlyRate
	}

	if in.wantsInternet() {
		pkg := c.catalog.packages[in.InternetPackage]
		dev := c.catalog.devices[in.InternetDevice]
		b.Internet = pkg.Price.Add(dev.Price)
		shippable++
	}

	if shippable > 0 && c.catalog.RequiresShipping(in.Country) {
		b.Shipping = ShippingFee
	}

	return b, nil
}

// CalculateAll prices the input on every tier, keyed by tier.
func (c *Calculator) CalculateAll(in Input) (map[domain.PlanTier]Breakdown, error) {
	out := make(map[domain.PlanTier]Breakdown, len(c.catalog.tiers))
	for _, t := range c.catalog.tiers {
		b, err := c.Calculate(in.WithTier(t.ID))
		if err != nil {
			return nil, err
		}
		out[t.ID] = b
	}
	return out, nil
}

func (c *Calculator) validate(op string, in Input) (Tier, error) {
	var verr error

	tier, ok := c.catalog.Tier(in.Tier)
	if !ok {
		verr = addField(verr, op, "tier", "choose a plan")
	}
	if in.Users < MinUsers || in.Users > MaxUsers {
		verr = addField(verr, op, "users", fmt.Sprintf("users must be between %d and %d", MinUsers, MaxUsers))
	}
	if in.OwnDevices < 0 {
		verr = addField(verr, op, "own_devices", "own devices cannot be negative")
	}
	for id, qty := range in.Hardware {
		if _, ok := c.catalog.Product(id); !ok {
			verr = addField(verr, op, "hardware", "unknown product: "+id)
			continue
		}
		if qty < 0 {
			verr = addField(verr, op, "hardware", "quantity cannot be negative")
		}
	}
	if in.wantsInternet() {
		if _, ok := c.catalog.packages[in.InternetPackage]; !ok {
			verr = addField(verr, op, "internet_package", "choose an internet package")
		}
		if _, ok := c.catalog.devices[in.InternetDevice]; !ok {
			verr = addField(verr, op, "internet_device", "choose rental or purchase")
		}
	}
	return tier, verr
}

func addField(err error, op, field, msg string) error {
	if err == nil {
		return domain.NewValidationError(op, field, msg)
	}
	return domain.AddFieldError(err, field, msg)
}

// Round rounds to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ToCents converts dollars to integer minor units for the payment processor.
func ToCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

// FromCents converts integer minor units back to dollars.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
