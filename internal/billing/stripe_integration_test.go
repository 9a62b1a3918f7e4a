//go:build integration
// +build integration

package billing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadTestConfig loads Stripe test credentials from .env.test
func loadTestConfig(t *testing.T) StripeConfig {
	t.Helper()

	// Load .env.test from project root
	err := godotenv.Load("../../.env.test")
	if err != nil {
		t.Skipf("Skipping integration test: .env.test not found (%v)", err)
	}

	apiKey := os.Getenv("STRIPE_SECRET_KEY")
	if apiKey == "" || apiKey == "sk_test_your_key_here" {
		t.Skip("Skipping integration test: STRIPE_SECRET_KEY not set in .env.test")
	}

	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if webhookSecret == "" {
		webhookSecret = "placeholder_for_cli"
	}

	config := StripeConfig{
		APIKey:         apiKey,
		WebhookSecret:  webhookSecret,
		Currency:       "usd",
		MaxRetries:     3,
		TimeoutSeconds: 30,
	}

	// Verify it's a test key, not a live key
	if !config.IsTestMode() {
		t.Fatal("DANGER: Live Stripe key detected! Integration tests must use test mode keys (sk_test_...)")
	}

	return config
}

func integrationSession(suffix string) string {
	return "sess_integration_" + suffix + "_" + time.Now().Format("20060102_150405")
}

func TestStripeIntegration_PaymentIntentLifecycle(t *testing.T) {
	config := loadTestConfig(t)
	provider, err := NewStripeProvider(config)
	require.NoError(t, err, "Failed to create Stripe provider")

	ctx := context.Background()
	sessionID := integrationSession("lifecycle")

	pi, err := provider.CreatePaymentIntent(ctx, CreatePaymentIntentParams{
		AmountCents:    40850,
		Description:    "Annual plan, 3 users",
		CustomerEmail:  "integration@example.com",
		Metadata:       map[string]string{MetadataSessionID: sessionID, "submission_id": "sub_integration"},
		IdempotencyKey: sessionID + ":intent",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pi.ClientSecret)
	assert.Equal(t, int64(40850), pi.AmountCents)
	assert.Equal(t, "usd", pi.Currency)
	assert.Equal(t, StatusRequiresPaymentMethod, pi.Status)
	t.Logf("Created payment intent: %s (view at https://dashboard.stripe.com/test/payments/%s)", pi.ID, pi.ID)

	updated, err := provider.UpdatePaymentIntent(ctx, UpdatePaymentIntentParams{
		PaymentIntentID: pi.ID,
		SessionID:       sessionID,
		AmountCents:     45849,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(45849), updated.AmountCents)

	confirmed, err := provider.ConfirmPaymentIntent(ctx, ConfirmPaymentIntentParams{
		PaymentIntentID: pi.ID,
		SessionID:       sessionID,
		PaymentMethodID: "pm_card_visa",
		ReturnURL:       "https://example.com/checkout/return",
	})
	require.NoError(t, err)
	assert.True(t, confirmed.Succeeded())
}

func TestStripeIntegration_SessionIsolation(t *testing.T) {
	config := loadTestConfig(t)
	provider, err := NewStripeProvider(config)
	require.NoError(t, err)

	ctx := context.Background()
	sessionID := integrationSession("isolation")

	pi, err := provider.CreatePaymentIntent(ctx, CreatePaymentIntentParams{
		AmountCents: 5000,
		Metadata:    map[string]string{MetadataSessionID: sessionID},
	})
	require.NoError(t, err)

	_, err = provider.GetPaymentIntent(ctx, GetPaymentIntentParams{PaymentIntentID: pi.ID, SessionID: sessionID})
	require.NoError(t, err)

	_, err = provider.GetPaymentIntent(ctx, GetPaymentIntentParams{PaymentIntentID: pi.ID, SessionID: "sess_other"})
	assert.Equal(t, ErrPaymentIntentNotFound, err, "Should return ErrPaymentIntentNotFound to avoid leaking existence")

	require.NoError(t, provider.CancelPaymentIntent(ctx, pi.ID, sessionID))
}

func TestStripeIntegration_DeclinedCard(t *testing.T) {
	config := loadTestConfig(t)
	provider, err := NewStripeProvider(config)
	require.NoError(t, err)

	ctx := context.Background()
	sessionID := integrationSession("decline")

	pi, err := provider.CreatePaymentIntent(ctx, CreatePaymentIntentParams{
		AmountCents: 5000,
		Metadata:    map[string]string{MetadataSessionID: sessionID},
	})
	require.NoError(t, err)

	_, err = provider.ConfirmPaymentIntent(ctx, ConfirmPaymentIntentParams{
		PaymentIntentID: pi.ID,
		SessionID:       sessionID,
		PaymentMethodID: "pm_card_chargeDeclined",
		ReturnURL:       "https://example.com/checkout/return",
	})
	require.Error(t, err)
	assert.Equal(t, FailureCardDeclined, Classify(err))
}

func TestStripeIntegration_IdempotencyKey(t *testing.T) {
	config := loadTestConfig(t)
	provider, err := NewStripeProvider(config)
	require.NoError(t, err)

	ctx := context.Background()
	sessionID := integrationSession("idempotency")

	params := CreatePaymentIntentParams{
		AmountCents:    5000,
		Metadata:       map[string]string{MetadataSessionID: sessionID},
		IdempotencyKey: sessionID + ":intent",
	}

	pi1, err := provider.CreatePaymentIntent(ctx, params)
	require.NoError(t, err)
	pi2, err := provider.CreatePaymentIntent(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, pi1.ID, pi2.ID, "Idempotency key should return same payment intent")
}

func TestStripeIntegration_Customers(t *testing.T) {
	config := loadTestConfig(t)
	provider, err := NewStripeProvider(config)
	require.NoError(t, err)

	ctx := context.Background()
	email := "integration+" + time.Now().Format("20060102150405") + "@example.com"

	none, err := provider.GetCustomerByEmail(ctx, email)
	require.NoError(t, err)
	assert.Nil(t, none)

	c, err := provider.CreateCustomer(ctx, CreateCustomerParams{Email: email, Name: "Integration Test"})
	require.NoError(t, err)

	updated, err := provider.UpdateCustomer(ctx, c.ID, UpdateCustomerParams{Metadata: map[string]string{"order_id": "ord_integration"}})
	require.NoError(t, err)
	assert.Equal(t, "ord_integration", updated.Metadata["order_id"])
}

func TestStripeIntegration_ErrorHandling(t *testing.T) {
	config := loadTestConfig(t)
	provider, err := NewStripeProvider(config)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = provider.GetPaymentIntent(ctx, GetPaymentIntentParams{
		PaymentIntentID: "pi_nonexistent_12345",
		SessionID:       "sess_integration",
	})
	assert.Equal(t, ErrPaymentIntentNotFound, err)

	_, err = provider.CreatePaymentIntent(ctx, CreatePaymentIntentParams{AmountCents: 5000})
	assert.ErrorIs(t, err, ErrMissingSessionID)
}
