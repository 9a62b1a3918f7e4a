// Package jobs defines the outbox entries written when an order is placed
// and the handlers that deliver them.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job kinds
const (
	KindOrderWebhook     = "notify:order_webhook"
	KindCustomerMetadata = "billing:customer_metadata"
)

// Status is the delivery state of an outbox entry.
type Status string

const (
	// StatusHeld entries were written before payment confirmation and are
	// only delivered once the payment succeeds.
	StatusHeld       Status = "held"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Entry is one row of the checkout outbox.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   string          `json:"session_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	AttemptedAt *time.Time      `json:"attempted_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// NewEntry marshals payload into a held entry for sessionID.
func NewEntry(sessionID, kind string, payload any) (Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return Entry{
		ID:        uuid.New(),
		SessionID: sessionID,
		Kind:      kind,
		Payload:   data,
		Status:    StatusHeld,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Handlers delivers entries by kind. A nil field makes its kind fail.
type Handlers struct {
	Webhook *WebhookNotifier
	Billing CustomerUpdater
}

// Process delivers a single entry.
func (h Handlers) Process(ctx context.Context, e Entry) error {
	switch e.Kind {
	case KindOrderWebhook:
		if h.Webhook == nil {
			return fmt.Errorf("no handler configured for %s", e.Kind)
		}
		return ProcessOrderWebhook(ctx, e, h.Webhook)
	case KindCustomerMetadata:
		if h.Billing == nil {
			return fmt.Errorf("no handler configured for %s", e.Kind)
		}
		return ProcessCustomerMetadata(ctx, e, h.Billing)
	default:
		return fmt.Errorf("unknown job kind: %s", e.Kind)
	}
}
