package pricing

import (
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/shopspring/decimal"
)

// Rates that apply across every tier.
var (
	MonthlySeatRate   = decimal.RequireFromString("11.95")
	ManagedDeviceRate = decimal.RequireFromString("5.00")
	ProtectionRate    = decimal.RequireFromString("1.50")
	FaxMonthlyRate    = decimal.RequireFromString("9.95")
	ShippingFee       = decimal.RequireFromString("14.99")
)

// Tier describes a plan tier's term and how many months of it are billed.
// Annual pays 10 months and gets 12; multi-year pays 20 and gets 24.
type Tier struct {
	ID           domain.PlanTier
	Name         string
	TermMonths   int
	BilledMonths int
	// PromoBilledMonths is the billed months while a promotion is active.
	// Zero means the tier is not eligible.
	PromoBilledMonths int
	// E911Label is the plan label the tax provider uses to decide whether
	// regulatory fixed fees apply.
	E911Label string
}

// PricePerUser is the undiscounted price for one user over the term.
func (t Tier) PricePerUser() decimal.Decimal {
	return MonthlySeatRate.Mul(decimal.NewFromInt(int64(t.BilledMonths)))
}

// PromoPricePerUser returns the discounted per-user price and whether the
// tier supports a promotion at all.
func (t Tier) PromoPricePerUser() (decimal.Decimal, bool) {
	if t.PromoBilledMonths == 0 {
		return t.PricePerUser(), false
	}
	return MonthlySeatRate.Mul(decimal.NewFromInt(int64(t.PromoBilledMonths))), true
}

// Product is a piece of hardware offered on the hardware step.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
	// Managed products are phones enrolled in remote management and
	// protection. Accessories are not.
	Managed bool
}

// InternetOption prices one internet package tier or device mode.
type InternetOption struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

// Catalog is the fixed product and plan catalog.
type Catalog struct {
	tiers           []Tier
	products        []Product
	packages        map[domain.InternetPackage]InternetOption
	devices         map[domain.InternetDevice]InternetOption
	shippingCountry map[string]bool
}

// DefaultCatalog returns the catalog the storefront sells today.
func DefaultCatalog() *Catalog {
	return &Catalog{
		tiers: []Tier{
			{ID: domain.TierShortTerm, Name: "Quarterly", TermMonths: 3, BilledMonths: 3, PromoBilledMonths: 2, E911Label: "BASIC"},
			{ID: domain.TierAnnual, Name: "Annual", TermMonths: 12, BilledMonths: 10, E911Label: "BASIC"},
			{ID: domain.TierMultiYear, Name: "Two-Year", TermMonths: 24, BilledMonths: 20, E911Label: "BASIC"},
		},
		products: []Product{
			{ID: "desk-basic", Name: "Basic Desk Phone", Price: decimal.Zero, Managed: true},
			{ID: "desk-executive", Name: "Executive Desk Phone", Price: decimal.RequireFromString("149.00"), Managed: true},
			{ID: "cordless", Name: "Cordless Phone", Price: decimal.RequireFromString("119.00"), Managed: true},
			{ID: "conference", Name: "Conference Phone", Price: decimal.RequireFromString("349.00"), Managed: true},
			{ID: "headset-adapter", Name: "Headset Adapter", Price: decimal.Zero},
		},
		packages: map[domain.InternetPackage]InternetOption{
			domain.InternetPhoneOnly: {ID: string(domain.InternetPhoneOnly), Name: "Phone-Only Internet", Price: decimal.RequireFromString("16.95")},
			domain.InternetFull:      {ID: string(domain.InternetFull), Name: "Full Internet", Price: decimal.RequireFromString("39.95")},
		},
		devices: map[domain.InternetDevice]InternetOption{
			domain.DeviceRental:   {ID: string(domain.DeviceRental), Name: "Router Rental", Price: decimal.RequireFromString("15.00")},
			domain.DevicePurchase: {ID: string(domain.DevicePurchase), Name: "Router Purchase", Price: decimal.RequireFromString("89.00")},
		},
		shippingCountry: map[string]bool{"CA": true},
	}
}

// Tiers returns every plan tier in display order.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// Tier looks up a plan tier.
func (c *Catalog) Tier(id domain.PlanTier) (Tier, bool) {
	for _, t := range c.tiers {
		if t.ID == id {
			return t, true
		}
	}
	return Tier{}, false
}

// Products returns the hardware catalog.
func (c *Catalog) Products() []Product {
	out := make([]Product, len(c.products))
	copy(out, c.products)
	return out
}

// Product looks up a hardware item.
func (c *Catalog) Product(id string) (Product, bool) {
	for _, p := range c.products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

// RequiresShipping reports whether orders to country pay the shipping fee.
func (c *Catalog) RequiresShipping(country string) bool {
	return c.shippingCountry[country]
}
