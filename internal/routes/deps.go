package routes

import (
	"net/http"

	"github.com/dukerupert/switchboard/internal/handler/checkout"
	"github.com/dukerupert/switchboard/internal/middleware"
)

// CheckoutDeps contains dependencies for the checkout API routes
type CheckoutDeps struct {
	Handler *checkout.Handler

	// Limits for the session routes and for the vendor-backed lookups.
	SessionLimit middleware.RateLimiterConfig
	LookupLimit  middleware.RateLimiterConfig
}

// WebhookDeps contains dependencies for webhook routes
type WebhookDeps struct {
	StripeHandler http.HandlerFunc
}

// OpsDeps contains dependencies for health and metrics routes
type OpsDeps struct {
	Health  http.HandlerFunc
	Metrics http.Handler
}
