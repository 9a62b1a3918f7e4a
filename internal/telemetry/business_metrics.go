package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for the checkout funnel and the
// vendors it depends on.
type BusinessMetrics struct {
	// Funnel
	SessionsCreated prometheus.Counter
	StepTransitions *prometheus.CounterVec
	StepBlocked     *prometheus.CounterVec
	OrdersPlaced    *prometheus.CounterVec
	OrderValue      *prometheus.HistogramVec

	// Tax quotes
	TaxQuotes *prometheus.CounterVec

	// Payment intents
	PaymentIntentOps *prometheus.CounterVec
	PaymentFailed    *prometheus.CounterVec

	// Phone numbers
	NumberReservations *prometheus.CounterVec

	// Webhooks
	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookFailed    *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec

	// Outbox
	OutboxDeliveries *prometheus.CounterVec

	// Analytics events
	EventsPublished *prometheus.CounterVec

	// External API performance
	ExternalAPILatency *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
}

// NewBusinessMetrics creates and registers all business metrics
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = "switchboard"
	}

	subsystem := "checkout"

	m := &BusinessMetrics{
		// =======================================================================
		// Funnel
		// =======================================================================
		SessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sessions_created_total",
				Help:      "Total checkout sessions started",
			},
		),
		StepTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "step_transitions_total",
				Help:      "Wizard transitions by source step and direction",
			},
			[]string{"from", "to", "direction"}, // direction: forward, back
		),
		StepBlocked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "step_blocked_total",
				Help:      "Forward transitions refused by a step's completion guard",
			},
			[]string{"step"},
		),
		OrdersPlaced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "orders_placed_total",
				Help:      "Orders whose payment succeeded",
			},
			[]string{"tier", "source"}, // source: confirm, redirect, webhook
		),
		OrderValue: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "order_value_dollars",
				Help:      "Charged order totals",
				Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"tier"},
		),

		// =======================================================================
		// Tax Quotes
		// =======================================================================
		TaxQuotes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tax_quotes_total",
				Help:      "Tax quote lookups by result",
			},
			[]string{"result"}, // result: hit, shared_hit, miss, fallback_zip, estimate
		),

		// =======================================================================
		// Payment Intents
		// =======================================================================
		PaymentIntentOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_intent_operations_total",
				Help:      "Payment intent operations by outcome",
			},
			[]string{"operation", "outcome"}, // operation: create, sync, confirm, resume
		),
		PaymentFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_failed_total",
				Help:      "Payment failures by mapped reason",
			},
			[]string{"reason"}, // reason: card_declined, validation_error, authentication_required, generic
		),

		// =======================================================================
		// Phone Numbers
		// =======================================================================
		NumberReservations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "number_reservations_total",
				Help:      "Phone number reservations by outcome",
			},
			[]string{"outcome"}, // outcome: reserved, capacity_limit, failed
		),

		// =======================================================================
		// Webhooks
		// =======================================================================
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_received_total",
				Help:      "Total Stripe webhooks received",
			},
			[]string{"event_type"},
		),
		WebhookProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_processed_total",
				Help:      "Stripe webhooks handled successfully",
			},
			[]string{"event_type"},
		),
		WebhookFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_failed_total",
				Help:      "Stripe webhooks that could not be handled",
			},
			[]string{"event_type", "reason"},
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duration_seconds",
				Help:      "Stripe webhook handling duration",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"event_type"},
		),

		// =======================================================================
		// Outbox
		// =======================================================================
		OutboxDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_deliveries_total",
				Help:      "Outbox entries delivered or failed, by kind",
			},
			[]string{"kind", "outcome"},
		),

		// =======================================================================
		// Analytics Events
		// =======================================================================
		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "events_published_total",
				Help:      "Marketing and analytics events published",
			},
			[]string{"event", "outcome"},
		),

		// =======================================================================
		// External API Performance
		// =======================================================================
		ExternalAPILatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "external_api_duration_seconds",
				Help:      "Vendor API call duration (helps differentiate app slowness from vendor issues)",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "operation"},
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Vendor circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
	}

	return m
}

// Global instance for easy access from handlers
var Business *BusinessMetrics

// InitBusinessMetrics initializes the global business metrics instance
func InitBusinessMetrics(namespace string) *BusinessMetrics {
	Business = NewBusinessMetrics(namespace)
	return Business
}
