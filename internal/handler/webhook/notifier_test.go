package webhook_test

import (
	"github.com/dukerupert/switchboard/internal/handler/webhook"
	"github.com/dukerupert/switchboard/internal/service"
)

// The checkout service places orders for webhook-confirmed payments under
// the session lock.
var _ webhook.PaymentNotifier = (*service.CheckoutService)(nil)
