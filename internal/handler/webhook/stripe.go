// Package webhook handles inbound payment processor notifications.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/switchboard/internal/billing"
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/handler"
	"github.com/dukerupert/switchboard/internal/telemetry"
)

// Handled event types
const (
	eventPaymentSucceeded = "payment_intent.succeeded"
	eventPaymentFailed    = "payment_intent.payment_failed"
)

// PaymentNotifier places the order for a session whose payment succeeded.
type PaymentNotifier interface {
	PaymentSucceeded(ctx context.Context, sessionID, intentID string) error
}

// StripeHandler handles Stripe webhook events
type StripeHandler struct {
	provider billing.Provider
	payments PaymentNotifier
	config   StripeWebhookConfig
	logger   *slog.Logger
}

// StripeWebhookConfig contains configuration for Stripe webhook handling
type StripeWebhookConfig struct {
	// WebhookSecret is the webhook signing secret from the Stripe dashboard
	WebhookSecret string
}

// NewStripeHandler creates a new Stripe webhook handler
func NewStripeHandler(provider billing.Provider, payments PaymentNotifier, config StripeWebhookConfig, logger *slog.Logger) *StripeHandler {
	return &StripeHandler{
		provider: provider,
		payments: payments,
		config:   config,
		logger:   logger,
	}
}

// HandleWebhook processes incoming Stripe webhook events.
//
// A 2xx tells Stripe to stop delivering the event. Transient failures answer
// 500 so Stripe retries; events that can never succeed are acknowledged.
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:3000/webhooks/stripe
//	stripe trigger payment_intent.succeeded
func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handler.ErrorResponse(w, r, domain.Errorf(domain.ETOOLARGE, "webhook.read", "Payload too large"))
			return
		}
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "webhook.read", "Error reading request body"))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		h.logger.Warn("webhook rejected: missing signature")
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "webhook.verify", "Missing signature"))
		return
	}
	if err := h.provider.VerifyWebhookSignature(payload, signature, h.config.WebhookSecret); err != nil {
		h.logger.Warn("webhook rejected: signature verification failed", "error", err)
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "webhook.verify", "Invalid signature"))
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil || event.Data == nil {
		h.logger.Warn("webhook rejected: malformed event", "error", err)
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "webhook.parse", "Invalid JSON"))
		return
	}

	eventType := string(event.Type)
	logger := h.logger.With("event_id", event.ID, "event_type", eventType)
	logger.Debug("webhook received")

	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(eventType).Inc()
		defer func() {
			telemetry.Business.WebhookLatency.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}()
	}

	switch eventType {
	case eventPaymentSucceeded:
		err = h.handlePaymentIntentSucceeded(r.Context(), logger, event)
	case eventPaymentFailed:
		err = h.handlePaymentIntentFailed(logger, event)
	default:
		logger.Debug("unhandled event type")
	}

	if err != nil {
		if telemetry.Business != nil {
			telemetry.Business.WebhookFailed.WithLabelValues(eventType, domain.ErrorCode(err)).Inc()
		}
		handler.ErrorResponse(w, r, err)
		return
	}
	if telemetry.Business != nil {
		telemetry.Business.WebhookProcessed.WithLabelValues(eventType).Inc()
	}

	handler.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// handlePaymentIntentSucceeded places the order when the browser never came
// back to confirm it. An order already placed is a no-op.
func (h *StripeHandler) handlePaymentIntentSucceeded(ctx context.Context, logger *slog.Logger, event stripe.Event) error {
	const op = "webhook.payment_succeeded"

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return domain.Errorf(domain.EINVALID, op, "Invalid payment intent")
	}

	sessionID := pi.Metadata[billing.MetadataSessionID]
	logger = logger.With("payment_intent_id", pi.ID, "session_id", sessionID)
	if sessionID == "" {
		// Intents created outside checkout, e.g. by `stripe trigger`.
		logger.Info("ignoring payment intent without a checkout session")
		return nil
	}

	err := h.payments.PaymentSucceeded(ctx, sessionID, pi.ID)
	switch {
	case err == nil:
		logger.Info("payment succeeded", "amount", pi.Amount, "currency", pi.Currency)
		return nil
	case domain.IsCode(err, domain.ENOTFOUND), domain.IsCode(err, domain.EGONE):
		logger.Warn("payment succeeded for an unknown or expired session", "error", err)
		return nil
	case domain.IsCode(err, domain.EINVALID):
		logger.Error("payment intent does not match the session", "error", err)
		return nil
	case !domain.IsRetryable(err):
		logger.Error("payment succeeded but the order cannot be placed", "error", err, "code", domain.ErrorCode(err))
		return nil
	default:
		return domain.WrapError(err, domain.ErrorCode(err), op, "failed to place order")
	}
}

// handlePaymentIntentFailed logs a failure the browser has already shown the
// customer. Nothing changes on the session; the event is counted by type.
func (h *StripeHandler) handlePaymentIntentFailed(logger *slog.Logger, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return domain.Errorf(domain.EINVALID, "webhook.payment_failed", "Invalid payment intent")
	}

	var lastErr *billing.PaymentError
	if pi.LastPaymentError != nil {
		lastErr = &billing.PaymentError{
			Type:        string(pi.LastPaymentError.Type),
			Code:        string(pi.LastPaymentError.Code),
			DeclineCode: string(pi.LastPaymentError.DeclineCode),
			Message:     pi.LastPaymentError.Msg,
		}
	}
	reason := billing.ClassifyPaymentError(lastErr)

	logger.Warn("payment failed",
		"payment_intent_id", pi.ID,
		"session_id", pi.Metadata[billing.MetadataSessionID],
		"reason", reason,
	)
	return nil
}
