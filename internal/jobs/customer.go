package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukerupert/switchboard/internal/billing"
)

// CustomerUpdater is the part of billing.Provider the metadata job needs.
type CustomerUpdater interface {
	UpdateCustomer(ctx context.Context, customerID string, params billing.UpdateCustomerParams) (*billing.Customer, error)
}

// CustomerMetadataPayload tags the processor customer with the order it
// placed.
type CustomerMetadataPayload struct {
	CustomerID string            `json:"customer_id"`
	Metadata   map[string]string `json:"metadata"`
}

// ProcessCustomerMetadata delivers a billing:customer_metadata entry.
func ProcessCustomerMetadata(ctx context.Context, e Entry, billingProvider CustomerUpdater) error {
	var payload CustomerMetadataPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal customer metadata payload: %w", err)
	}
	if payload.CustomerID == "" {
		return fmt.Errorf("customer metadata payload has no customer id")
	}

	_, err := billingProvider.UpdateCustomer(ctx, payload.CustomerID, billing.UpdateCustomerParams{
		Metadata: payload.Metadata,
	})
	return err
}
