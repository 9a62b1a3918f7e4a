package pricing_test

import (
	"testing"
	"time"

	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

func newCalc() *pricing.Calculator {
	return pricing.NewCalculator(pricing.DefaultCatalog(), true)
}

func TestCalculate_AnnualWithOwnDevice(t *testing.T) {
	b, err := newCalc().Calculate(pricing.Input{
		Tier:       domain.TierAnnual,
		Users:      3,
		OwnDevices: 1,
		Country:    "US",
	})
	require.NoError(t, err)

	assertMoney(t, "358.50", b.PlanFee)
	assertMoney(t, "358.50", b.TaxBasisPlanFee)
	assertMoney(t, "50", b.ManagedDeviceFee)
	assert.Equal(t, 1, b.ManagedDevices)
	assertMoney(t, "0", b.Shipping)
	assertMoney(t, "408.50", b.TaxableSubtotal())
}

func TestCalculate_ShortTermPromotion(t *testing.T) {
	b, err := newCalc().Calculate(pricing.Input{
		Tier:      domain.TierShortTerm,
		Users:     1,
		Promotion: true,
		Country:   "US",
	})
	require.NoError(t, err)

	assert.True(t, b.PromotionApplied)
	assertMoney(t, "23.90", b.PlanFee)
	assertMoney(t, "35.85", b.TaxBasisPlanFee)
	assertMoney(t, "35.85", b.TaxableSubtotal())
	assertMoney(t, "23.90", b.Subtotal())
}

func TestCalculate_PromotionOnlyAppliesToShortTerm(t *testing.T) {
	b, err := newCalc().Calculate(pricing.Input{
		Tier:      domain.TierAnnual,
		Users:     2,
		Promotion: true,
	})
	require.NoError(t, err)

	assert.False(t, b.PromotionApplied)
	assertMoney(t, "239.00", b.PlanFee)
}

func TestCalculate_PromotionDisabled(t *testing.T) {
	calc := pricing.NewCalculator(nil, false)
	b, err := calc.Calculate(pricing.Input{Tier: domain.TierShortTerm, Users: 1, Promotion: true})
	require.NoError(t, err)

	assert.False(t, b.PromotionApplied)
	assertMoney(t, "35.85", b.PlanFee)
}

func TestCalculate_CanadianInternetPackage(t *testing.T) {
	b, err := newCalc().Calculate(pricing.Input{
		Tier:               domain.TierAnnual,
		Users:              1,
		HasInternet:        false,
		AddInternetPackage: true,
		InternetPackage:    domain.InternetPhoneOnly,
		InternetDevice:     domain.DeviceRental,
		Country:            "CA",
	})
	require.NoError(t, err)

	assertMoney(t, "31.95", b.Internet)
	assertMoney(t, "14.99", b.Shipping)
	// 119.50 plan + 14.99 shipping, internet excluded
	assertMoney(t, "134.49", b.TaxableSubtotal())
	assertMoney(t, "166.44", b.Subtotal())
}

func TestCalculate_InternetIgnoredWhenCustomerHasInternet(t *testing.T) {
	b, err := newCalc().Calculate(pricing.Input{
		Tier:               domain.TierAnnual,
		Users:              1,
		HasInternet:        true,
		AddInternetPackage: true,
		InternetPackage:    domain.InternetFull,
		InternetDevice:     domain.DevicePurchase,
		Country:            "CA",
	})
	require.NoError(t, err)

	assertMoney(t, "0", b.Internet)
	assertMoney(t, "0", b.Shipping, "nothing to ship")
}

func TestCalculate_HardwareProtectionAndFax(t *testing.T) {
	b, err := newCalc().Calculate(pricing.Input{
		Tier:  domain.TierShortTerm,
		Users: 2,
		Hardware: map[string]int{
			"desk-executive":  1,
			"desk-basic":      1,
			"headset-adapter": 2,
		},
		Protection: true,
		Fax:        true,
		Country:    "CA",
	})
	require.NoError(t, err)

	assertMoney(t, "149", b.Hardware)
	assert.Equal(t, 2, b.HardwareUnits, "adapters are not managed")
	assertMoney(t, "30", b.ManagedDeviceFee) // 5 x 2 x 3
	assertMoney(t, "9", b.Protection)        // 1.50 x 2 x 3
	assertMoney(t, "0", b.Fax)               // first period free
	assertMoney(t, "9.95", b.FaxRecurring)   // reported, not charged
	assertMoney(t, "14.99", b.Shipping)
	assert.Len(t, b.HardwareLines, 3)

	// 71.70 plan + 149 + 30 + 9 + 14.99
	assertMoney(t, "274.69", b.TaxableSubtotal())
}

func TestCalculate_UserBounds(t *testing.T) {
	calc := newCalc()
	for _, tier := range domain.AllTiers {
		for _, users := range []int{pricing.MinUsers, pricing.MaxUsers} {
			b, err := calc.Calculate(pricing.Input{Tier: tier, Users: users, Hardware: map[string]int{"conference": 25}, OwnDevices: 25, Protection: true})
			require.NoError(t, err)
			assert.True(t, b.PlanFee.IsPositive())
			assert.True(t, b.Subtotal().IsPositive())
			assert.False(t, b.TaxableSubtotal().IsNegative())
		}
	}

	_, err := calc.Calculate(pricing.Input{Tier: domain.TierAnnual, Users: 0})
	require.Error(t, err)
	assert.Contains(t, domain.GetValidationFields(err), "users")

	_, err = calc.Calculate(pricing.Input{Tier: domain.TierAnnual, Users: 26})
	require.Error(t, err)
	assert.Contains(t, domain.GetValidationFields(err), "users")
}

func TestCalculate_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		input pricing.Input
		field string
	}{
		{"unknown tier", pricing.Input{Tier: "weekly", Users: 1}, "tier"},
		{"unknown product", pricing.Input{Tier: domain.TierAnnual, Users: 1, Hardware: map[string]int{"fax-machine": 1}}, "hardware"},
		{"negative quantity", pricing.Input{Tier: domain.TierAnnual, Users: 1, Hardware: map[string]int{"cordless": -1}}, "hardware"},
		{"negative own devices", pricing.Input{Tier: domain.TierAnnual, Users: 1, OwnDevices: -2}, "own_devices"},
		{"internet without package", pricing.Input{Tier: domain.TierAnnual, Users: 1, AddInternetPackage: true, InternetDevice: domain.DeviceRental}, "internet_package"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCalc().Calculate(tt.input)
			require.Error(t, err)
			assert.True(t, domain.IsValidationError(err))
			assert.Contains(t, domain.GetValidationFields(err), tt.field)
		})
	}
}

func TestCalculate_TaxBasisNeverBelowDisplayedPrice(t *testing.T) {
	calc := newCalc()
	for _, tier := range domain.AllTiers {
		for users := pricing.MinUsers; users <= pricing.MaxUsers; users++ {
			for _, promo := range []bool{false, true} {
				b, err := calc.Calculate(pricing.Input{Tier: tier, Users: users, Promotion: promo})
				require.NoError(t, err)
				assert.True(t, b.TaxBasisPlanFee.GreaterThanOrEqual(b.PlanFee),
					"tier=%s users=%d promo=%v", tier, users, promo)
			}
		}
	}
}

func TestBreakdown_TotalWithNoExtrasIsPlanPlusTax(t *testing.T) {
	b, err := newCalc().Calculate(pricing.Input{Tier: domain.TierMultiYear, Users: 4, Country: "US"})
	require.NoError(t, err)

	tax := dec("87.12")
	assertMoney(t, "956.00", b.PlanFee)
	assert.True(t, b.Total(tax).Equal(b.PlanFee.Add(tax)))
}

func TestCalculateAll(t *testing.T) {
	all, err := newCalc().CalculateAll(pricing.Input{Tier: domain.TierAnnual, Users: 1})
	require.NoError(t, err)

	require.Len(t, all, 3)
	assertMoney(t, "35.85", all[domain.TierShortTerm].PlanFee)
	assertMoney(t, "119.50", all[domain.TierAnnual].PlanFee)
	assertMoney(t, "239.00", all[domain.TierMultiYear].PlanFee)
}

func TestInputFromSession_AppModeDropsHardware(t *testing.T) {
	s := domain.NewCheckoutSession("abc", time.Now())
	s.Plan = domain.PlanSelection{Tier: domain.TierAnnual, Users: 2, CallingMode: domain.CallingApp}
	s.Hardware = map[string]int{"cordless": 2}
	s.OwnDevices = 1

	in := pricing.InputFromSession(s)
	assert.Empty(t, in.Hardware)
	assert.Zero(t, in.OwnDevices)

	s.Plan.CallingMode = domain.CallingHardware
	in2 := pricing.InputFromSession(s)
	assert.Equal(t, 2, in2.Hardware["cordless"])
	assert.False(t, in.Equal(in2))
	assert.True(t, in2.Equal(pricing.InputFromSession(s)))
}

func TestRoundingHelpers(t *testing.T) {
	assert.Equal(t, int64(3585), pricing.ToCents(dec("35.85")))
	assert.Equal(t, int64(1000), pricing.ToCents(dec("9.995")))
	assertMoney(t, "12.35", pricing.Round(dec("12.345")))
	assertMoney(t, "23.90", pricing.FromCents(2390))
}
