// Package tax quotes telecom taxes and regulatory fees for a priced order.
//
// Quotes come from an external tax service. A day-scoped Cache avoids
// repeated calls for identical inputs, and a flat-rate estimate stands in
// whenever the service is down or returns nothing usable, so checkout never
// blocks on tax.
package tax

import (
	"context"

	"github.com/dukerupert/switchboard/internal/pricing"
	"github.com/shopspring/decimal"
)

// Provider fetches a tax quote from the tax service.
type Provider interface {
	Quote(ctx context.Context, req Request) (*Quote, error)
}

// Request is the decomposed order sent to the tax service. The amounts sum
// to the order's taxable subtotal.
type Request struct {
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	TermMonths int    `json:"billing_term_months"`

	// SupportFee covers managed-device support and fax service.
	SupportFee decimal.Decimal `json:"support_fee"`
	// TelcoFeeAppOnly is the plan price for users without desk hardware.
	TelcoFeeAppOnly decimal.Decimal `json:"telco_fee_app_only"`
	// TelcoFeeHardware is the plan price for users attached to a device.
	TelcoFeeHardware decimal.Decimal `json:"telco_fee_hardware"`
	// HardwareOneTime is equipment plus shipping.
	HardwareOneTime decimal.Decimal `json:"hardware_one_time"`
	ProtectionFee   decimal.Decimal `json:"protection_fee"`

	Extensions int `json:"extensions"`
	Locations  int `json:"locations"`
	// HardwareUsers and AppOnlyUsers split Extensions the same way the two
	// telco fees split the plan price.
	HardwareUsers int `json:"hardware_users"`
	AppOnlyUsers  int `json:"app_only_users"`
	// PlanLabel decides whether E911 and other fixed regulatory fees apply.
	PlanLabel string `json:"plan_label"`
}

// Sum totals the monetary components of the request.
func (r Request) Sum() decimal.Decimal {
	return r.SupportFee.
		Add(r.TelcoFeeAppOnly).
		Add(r.TelcoFeeHardware).
		Add(r.HardwareOneTime).
		Add(r.ProtectionFee)
}

// BuildRequest decomposes a priced order into the tax service's request.
// Users are attached to hardware one-for-one with managed devices; the rest
// are app-only.
func BuildRequest(b pricing.Breakdown) Request {
	hwUsers := b.ManagedDevices
	if hwUsers > b.Users {
		hwUsers = b.Users
	}
	appUsers := b.Users - hwUsers

	perUser := decimal.Zero
	if b.Users > 0 {
		perUser = b.TaxBasisPlanFee.Div(decimal.NewFromInt(int64(b.Users)))
	}
	telcoHW := perUser.Mul(decimal.NewFromInt(int64(hwUsers)))

	return Request{
		PostalCode:       b.PostalCode,
		Country:          b.Country,
		TermMonths:       b.Tier.TermMonths,
		SupportFee:       b.ManagedDeviceFee.Add(b.Fax),
		TelcoFeeHardware: telcoHW,
		// Remainder rather than perUser*appUsers so the parts always sum back
		// to the tax basis.
		TelcoFeeAppOnly: b.TaxBasisPlanFee.Sub(telcoHW),
		HardwareOneTime: b.Hardware.Add(b.Shipping),
		ProtectionFee:   b.Protection,
		Extensions:      b.Users,
		Locations:       1,
		HardwareUsers:   hwUsers,
		AppOnlyUsers:    appUsers,
		PlanLabel:       b.Tier.E911Label,
	}
}

// Line is one tax or regulatory fee.
type Line struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	OneTime     bool            `json:"one_time"`
}

// Quote is the tax service's answer for one order.
type Quote struct {
	Key          string          `json:"key,omitempty"`
	Lines        []Line          `json:"lines"`
	Total        decimal.Decimal `json:"total"`
	SubmissionID string          `json:"submission_id,omitempty"`
	// PostalCode is the code the quote was computed for, which differs from
	// the customer's when the fallback code was used.
	PostalCode string `json:"postal_code,omitempty"`
	Estimate   bool   `json:"estimate"`
}

// Usable reports whether the quote carries at least one real line item.
func (q *Quote) Usable() bool {
	if q == nil {
		return false
	}
	for _, l := range q.Lines {
		if l.Description != "" {
			return true
		}
	}
	return false
}
