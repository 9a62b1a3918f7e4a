package tax

import (
	"github.com/dukerupert/switchboard/internal/pricing"
	"github.com/shopspring/decimal"
)

// DefaultEstimateRate is applied to the taxable subtotal when no real quote
// is available. Telecom taxes and fees on small business lines run high.
var DefaultEstimateRate = decimal.RequireFromString("0.47")

// EstimateQuote builds a flat-rate quote marked as an estimate.
func EstimateQuote(b pricing.Breakdown, rate decimal.Decimal) *Quote {
	amount := pricing.Round(b.TaxableSubtotal().Mul(rate))
	return &Quote{
		Lines: []Line{{
			Description: "Estimated taxes and fees",
			Amount:      amount,
		}},
		Total:      amount,
		PostalCode: b.PostalCode,
		Estimate:   true,
	}
}
