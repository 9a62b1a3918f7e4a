// Package numbers searches, reserves and checks portability of phone
// numbers with the carrier's provisioning API.
package numbers

import (
	"context"
	"errors"
)

var (
	// ErrCapacityLimit means the carrier refused a reservation because the
	// account holds too many pending reservations. The number is still
	// assigned at provisioning time, so callers treat this as success.
	ErrCapacityLimit = errors.New("numbers: reservation capacity limit reached")

	// ErrUnavailable means the number was taken between search and reservation.
	ErrUnavailable = errors.New("numbers: number is no longer available")

	// ErrNotConfigured means no provisioning credentials were supplied.
	ErrNotConfigured = errors.New("numbers: provider not configured")
)

// Provider is the carrier provisioning API.
type Provider interface {
	// Search lists numbers available in an area code.
	Search(ctx context.Context, areaCode string, limit int) ([]AvailableNumber, error)

	// CheckPortability reports whether an existing number can be ported in.
	CheckPortability(ctx context.Context, number string) (*Portability, error)

	// Reserve holds a number for the checkout session.
	Reserve(ctx context.Context, number, sessionID string) (*Reservation, error)
}

// AvailableNumber is a search result.
type AvailableNumber struct {
	Number   string `json:"number"`
	Locality string `json:"locality,omitempty"`
	Region   string `json:"region,omitempty"`
}

// Portability is the carrier's verdict on porting a number.
type Portability struct {
	Number   string `json:"number"`
	Portable bool   `json:"portable"`
	Carrier  string `json:"carrier,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Reservation is a held number.
type Reservation struct {
	ID     string `json:"id"`
	Number string `json:"number"`
}
