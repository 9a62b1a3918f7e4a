package routes

import (
	"github.com/dukerupert/switchboard/internal/middleware"
	"github.com/dukerupert/switchboard/internal/router"
)

// RegisterWebhookRoutes registers all webhook routes.
//
// Webhook routes carry no rate limit. The handler verifies the Stripe
// signature itself.
func RegisterWebhookRoutes(r *router.Router, deps WebhookDeps) {
	r.Post("/webhooks/stripe", deps.StripeHandler,
		middleware.MaxBodySize(middleware.WebhookMaxBodySize),
		middleware.Timeout(middleware.DefaultTimeout),
	)
}
