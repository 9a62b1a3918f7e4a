package routes

import (
	"github.com/dukerupert/switchboard/internal/middleware"
	"github.com/dukerupert/switchboard/internal/router"
)

// RegisterCheckoutRoutes registers the checkout session API and the lookups
// the wizard calls while the customer types.
func RegisterCheckoutRoutes(r *router.Router, deps CheckoutDeps) {
	h := deps.Handler

	sessions := r.Group(
		middleware.RateLimit(deps.SessionLimit),
		middleware.MaxBodySize(middleware.DefaultMaxBodySize),
	)
	short := sessions.Group(middleware.Timeout(middleware.ShortTimeout))
	short.Post("/api/checkout/sessions", h.Create)
	short.Get("/api/checkout/sessions/{id}", h.Get)
	short.Put("/api/checkout/sessions/{id}", h.Update)
	short.Post("/api/checkout/sessions/{id}/back", h.Back)

	// These price the session, which may wait on a tax quote.
	priced := sessions.Group(middleware.Timeout(middleware.DefaultTimeout))
	priced.Post("/api/checkout/sessions/{id}/continue", h.Continue)
	priced.Get("/api/checkout/sessions/{id}/pricing", h.Pricing)
	priced.Post("/api/checkout/sessions/{id}/payment", h.EnterPayment)
	priced.Post("/api/checkout/sessions/{id}/sync", h.SyncPayment)

	payment := sessions.Group(middleware.Timeout(middleware.PaymentTimeout))
	payment.Post("/api/checkout/sessions/{id}/confirm", h.Confirm)
	payment.Get("/checkout/return", h.Return)

	lookups := r.Group(
		middleware.RateLimit(deps.LookupLimit),
		middleware.MaxBodySize(middleware.SmallMaxBodySize),
		middleware.Timeout(middleware.ShortTimeout),
	)
	lookups.Get("/api/address/suggest", h.SuggestAddresses)
	lookups.Post("/api/address/validate", h.ValidateAddress)
	lookups.Post("/api/numbers/search", h.SearchNumbers)
	lookups.Post("/api/numbers/portability", h.CheckPortability)
	lookups.Post("/api/contact/email", h.ValidateEmail)
}

// RegisterOpsRoutes registers the health check and metrics scrape endpoint.
func RegisterOpsRoutes(r *router.Router, deps OpsDeps) {
	r.Get("/health", deps.Health)
	if deps.Metrics != nil {
		r.Handle("GET", "/metrics", deps.Metrics)
	}
}
