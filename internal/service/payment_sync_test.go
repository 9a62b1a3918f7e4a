package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/switchboard/internal/billing"
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/events"
	"github.com/dukerupert/switchboard/internal/jobs"
	"github.com/dukerupert/switchboard/internal/pricing"
)

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func waitDrained(t *testing.T, env *testEnv, id string) {
	t.Helper()
	select {
	case got := <-env.outbox.drained:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("session outbox was not drained")
	}
}

func requiresAction(ctx context.Context, params billing.ConfirmPaymentIntentParams) (*billing.PaymentIntent, error) {
	return &billing.PaymentIntent{
		ID:            params.PaymentIntentID,
		Status:        billing.StatusRequiresAction,
		NextActionURL: "https://hooks.stripe.com/3d_secure/authenticate",
	}, nil
}

func TestEnterPayment(t *testing.T) {
	t.Run("creates customer and intent for the total", func(t *testing.T) {
		env := newTestEnv(t)
		id, view := env.toPayment(t)

		require.NotEmpty(t, view.IntentID)
		assert.NotEmpty(t, view.ClientSecret)
		assert.Equal(t, domain.PaymentSynced, view.State)
		assert.Equal(t, view.Total.StringFixed(2), view.Amount)

		pi, ok := env.billing.Intent(view.IntentID)
		require.True(t, ok)
		assert.Equal(t, pricing.ToCents(view.Total), pi.AmountCents)
		assert.Equal(t, id, pi.Metadata[billing.MetadataSessionID])
		assert.Equal(t, "mock_sub_59601", pi.Metadata["tax_submission_id"])
		assert.Equal(t, "annual", pi.Metadata["tier"])

		s := env.store.load(t, id)
		assert.NotEmpty(t, s.Payment.CustomerID)
		assert.NotEmpty(t, s.Payment.SubmissionID)
		assert.Equal(t, 1, countCalls(env.billing.Calls(), "CreateCustomer("))
	})

	t.Run("prewarms every tier", func(t *testing.T) {
		env := newTestEnv(t)
		env.toPayment(t)

		assert.Equal(t, len(domain.AllTiers), env.taxes.Calls())
	})

	t.Run("re-entry reuses the intent", func(t *testing.T) {
		env := newTestEnv(t)
		id, first := env.toPayment(t)

		second, err := env.svc.EnterPayment(context.Background(), id)
		require.NoError(t, err)

		assert.Equal(t, first.IntentID, second.IntentID)
		assert.Equal(t, 1, countCalls(env.billing.Calls(), "CreatePaymentIntent("))
		assert.Zero(t, countCalls(env.billing.Calls(), "UpdatePaymentIntent("), "amount already in sync")
	})

	t.Run("requires the payment step", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.newSession(t)

		_, err := env.svc.EnterPayment(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotOnPaymentStep)
		assert.Empty(t, env.billing.Calls())
	})

	t.Run("slow processor is retryable", func(t *testing.T) {
		env := newTestEnv(t)
		env.billing.CreatePaymentIntentFunc = func(ctx context.Context, params billing.CreatePaymentIntentParams) (*billing.PaymentIntent, error) {
			return nil, context.DeadlineExceeded
		}
		id := env.newSession(t)
		for i := 0; i < 4; i++ {
			_, err := env.svc.Continue(context.Background(), id)
			require.NoError(t, err)
		}

		_, err := env.svc.EnterPayment(context.Background(), id)
		assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
		assert.Equal(t, domain.PaymentNone, env.store.load(t, id).Payment.State)
	})
}

func TestSyncPayment(t *testing.T) {
	t.Run("pushes the new total after an edit", func(t *testing.T) {
		env := newTestEnv(t)
		id, before := env.toPayment(t)

		edit := validEdit()
		edit.Plan.Users = 5
		_, err := env.svc.Update(context.Background(), id, edit)
		require.NoError(t, err)

		view, err := env.svc.SyncPayment(context.Background(), id)
		require.NoError(t, err)

		assert.True(t, view.Total.GreaterThan(before.Total))
		assert.True(t, view.AmountInSync)
		assert.Equal(t, domain.PaymentSynced, view.PaymentState)

		pi, _ := env.billing.Intent(before.IntentID)
		assert.Equal(t, pricing.ToCents(view.Total), pi.AmountCents)
	})

	t.Run("processor error leaves intent stale", func(t *testing.T) {
		env := newTestEnv(t)
		id, _ := env.toPayment(t)
		env.billing.UpdatePaymentIntentFunc = func(ctx context.Context, params billing.UpdatePaymentIntentParams) (*billing.PaymentIntent, error) {
			return nil, &billing.StripeError{Type: "api_error", Message: "try again"}
		}

		edit := validEdit()
		edit.AddOns.Protection = true
		_, err := env.svc.Update(context.Background(), id, edit)
		require.NoError(t, err)

		_, err = env.svc.SyncPayment(context.Background(), id)
		assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
		assert.Equal(t, domain.PaymentStale, env.store.load(t, id).Payment.State)
	})
}

func TestSyncPayment_ReplacesLostIntent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, first := env.toPayment(t)
	env.billing.ForgetIntent(first.IntentID)

	edit := validEdit()
	edit.AddOns.Protection = true
	_, err := env.svc.Update(ctx, id, edit)
	require.NoError(t, err)

	_, err = env.svc.SyncPayment(ctx, id)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))

	s := env.store.load(t, id)
	assert.Empty(t, s.Payment.IntentID, "lost intent is abandoned")
	assert.Equal(t, domain.PaymentNone, s.Payment.State)
	assert.Equal(t, 1, s.Payment.IntentGeneration)

	// Back to the original amount: the create must not replay the lost intent.
	_, err = env.svc.Update(ctx, id, validEdit())
	require.NoError(t, err)
	second, err := env.svc.EnterPayment(ctx, id)
	require.NoError(t, err)

	assert.NotEqual(t, first.IntentID, second.IntentID)
	assert.True(t, second.Total.Equal(first.Total))
	_, ok := env.billing.Intent(second.IntentID)
	assert.True(t, ok)
}

func TestConfirmPayment_Succeeds(t *testing.T) {
	env := newTestEnv(t)
	id, view := env.toPayment(t)

	res, err := env.svc.ConfirmPayment(context.Background(), id, "pm_card_visa")
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.True(t, strings.HasPrefix(res.OrderID, "ord_"))
	require.NotNil(t, res.Receipt)
	assert.True(t, res.Receipt.Total.Equal(view.Total))
	assert.Equal(t, 3, res.Receipt.Users)

	pi, _ := env.billing.Intent(view.IntentID)
	assert.Equal(t, pricing.ToCents(res.Receipt.Total), pi.AmountCents, "charged amount matches the receipt")

	s := env.store.load(t, id)
	assert.True(t, s.Progress.OrderPlaced)
	assert.True(t, s.Progress.Completed)
	assert.Equal(t, domain.PaymentSucceeded, s.Payment.State)
	assert.Equal(t, res.OrderID, s.Progress.OrderID)

	waitDrained(t, env, id)
	released := env.outbox.byStatus(jobs.StatusPending)
	require.Len(t, released, 2)
	kinds := []string{released[0].Kind, released[1].Kind}
	assert.ElementsMatch(t, []string{jobs.KindOrderWebhook, jobs.KindCustomerMetadata}, kinds)
	assert.Empty(t, env.outbox.byStatus(jobs.StatusHeld))

	assert.Contains(t, env.events.names(), events.PaymentStarted)
	assert.Contains(t, env.events.names(), events.OrderPlaced)

	again, err := env.svc.ConfirmPayment(context.Background(), id, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, again.OrderID)
	assert.Equal(t, 1, countCalls(env.billing.Calls(), "ConfirmPaymentIntent("), "placed orders are not charged again")
}

func TestConfirmPayment_AmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.toPayment(t)
	env.billing.UpdatePaymentIntentFunc = func(ctx context.Context, params billing.UpdatePaymentIntentParams) (*billing.PaymentIntent, error) {
		return &billing.PaymentIntent{ID: params.PaymentIntentID, AmountCents: params.AmountCents - 1}, nil
	}

	_, err := env.svc.ConfirmPayment(context.Background(), id, "pm_card_visa")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Zero(t, countCalls(env.billing.Calls(), "ConfirmPaymentIntent("))
	assert.Empty(t, env.outbox.byStatus(jobs.StatusHeld))
}

func TestConfirmPayment_Declined(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.toPayment(t)
	env.billing.ConfirmPaymentIntentFunc = func(ctx context.Context, params billing.ConfirmPaymentIntentParams) (*billing.PaymentIntent, error) {
		return nil, &billing.StripeError{Type: "card_error", Code: "card_declined", Message: "Your card was declined."}
	}

	_, err := env.svc.ConfirmPayment(context.Background(), id, "pm_card_chargeDeclined")
	require.Error(t, err)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
	assert.Equal(t, billing.FailureCardDeclined, FailureReason(err))

	s := env.store.load(t, id)
	assert.Equal(t, domain.PaymentSynced, s.Payment.State)
	assert.Equal(t, string(billing.FailureCardDeclined), s.Payment.LastFailure)
	assert.False(t, s.Progress.OrderPlaced)
	assert.Empty(t, env.outbox.byStatus(jobs.StatusHeld), "held notifications are dropped")
	assert.Contains(t, env.events.names(), events.PaymentFailed)

	// A retry with another card goes through.
	env.billing.ConfirmPaymentIntentFunc = nil
	res, err := env.svc.ConfirmPayment(context.Background(), id, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, s.Progress.OrderID, res.OrderID, "order id survives the retry")
	waitDrained(t, env, id)
}

func TestConfirmPayment_StepUp(t *testing.T) {
	setup := func(t *testing.T) (*testEnv, string, string) {
		t.Helper()
		env := newTestEnv(t)
		id, view := env.toPayment(t)
		env.billing.ConfirmPaymentIntentFunc = requiresAction

		res, err := env.svc.ConfirmPayment(context.Background(), id, "pm_card_threeDSecure2Required")
		require.NoError(t, err)
		require.Equal(t, OutcomeRequiresAction, res.Outcome)
		assert.Equal(t, "https://hooks.stripe.com/3d_secure/authenticate", res.RedirectURL)
		assert.NotEmpty(t, res.OrderID)
		return env, id, view.IntentID
	}

	t.Run("order survives the redirect", func(t *testing.T) {
		env, id, _ := setup(t)

		s := env.store.load(t, id)
		assert.Equal(t, domain.PaymentConfirming, s.Payment.State)
		require.NotNil(t, s.Receipt)
		assert.Len(t, env.outbox.byStatus(jobs.StatusHeld), 2)

		_, err := env.svc.Update(context.Background(), id, validEdit())
		assert.ErrorIs(t, err, ErrPaymentInProgress)
	})

	t.Run("resume after successful authentication", func(t *testing.T) {
		env, id, intentID := setup(t)
		require.NoError(t, env.billing.SimulateSucceededPayment(intentID))

		res, err := env.svc.ResumePayment(context.Background(), id, intentID, "failed")
		require.NoError(t, err, "the processor's status wins over the redirect status")
		assert.Equal(t, OutcomeSucceeded, res.Outcome)

		waitDrained(t, env, id)
		assert.Len(t, env.outbox.byStatus(jobs.StatusPending), 2)
		assert.True(t, env.store.load(t, id).Progress.OrderPlaced)
	})

	t.Run("resume after failed authentication", func(t *testing.T) {
		env, id, intentID := setup(t)

		_, err := env.svc.ResumePayment(context.Background(), id, intentID, "failed")
		require.Error(t, err)
		assert.Equal(t, domain.EAUTHREQUIRED, domain.ErrorCode(err))
		assert.Equal(t, billing.FailureAuthenticationRequired, FailureReason(err))

		s := env.store.load(t, id)
		assert.Equal(t, domain.PaymentSynced, s.Payment.State)
		assert.Empty(t, env.outbox.byStatus(jobs.StatusHeld))
	})

	t.Run("resume rejects another intent", func(t *testing.T) {
		env, id, _ := setup(t)

		_, err := env.svc.ResumePayment(context.Background(), id, "pi_other", "succeeded")
		assert.ErrorIs(t, err, ErrIntentMismatch)
	})

	t.Run("webhook places the order when the browser never returns", func(t *testing.T) {
		env, id, intentID := setup(t)
		require.NoError(t, env.billing.SimulateSucceededPayment(intentID))

		require.NoError(t, env.svc.PaymentSucceeded(context.Background(), id, intentID))
		waitDrained(t, env, id)
		assert.True(t, env.store.load(t, id).Progress.OrderPlaced)

		require.NoError(t, env.svc.PaymentSucceeded(context.Background(), id, intentID), "duplicate deliveries are harmless")

		res, err := env.svc.ResumePayment(context.Background(), id, intentID, "succeeded")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSucceeded, res.Outcome)
	})

	t.Run("second confirm finds the completed payment", func(t *testing.T) {
		env, id, intentID := setup(t)
		require.NoError(t, env.billing.SimulateSucceededPayment(intentID))

		res, err := env.svc.ConfirmPayment(context.Background(), id, "pm_card_visa")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSucceeded, res.Outcome)
		assert.Equal(t, 1, countCalls(env.billing.Calls(), "ConfirmPaymentIntent("))
		waitDrained(t, env, id)
	})
}

func TestPaymentSynchronizer_MarkStale(t *testing.T) {
	p := NewPaymentSynchronizer(billing.NewMockProvider(), newMemStore(), newMemOutbox(), nil, nil, PaymentSyncConfig{}, discardLogger())

	s := domain.NewCheckoutSession("sess_stale", testNow)
	assert.False(t, p.MarkStale(s), "no intent yet")

	s.Payment.IntentID = "pi_123"
	s.Payment.State = domain.PaymentSynced
	assert.True(t, p.MarkStale(s))
	assert.Equal(t, domain.PaymentStale, s.Payment.State)

	s.Payment.State = domain.PaymentConfirming
	assert.False(t, p.MarkStale(s))
}

func TestInitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"deadline", context.DeadlineExceeded, domain.EUNAVAILABLE},
		{"temporary", &billing.StripeError{Code: "rate_limit"}, domain.EUNAVAILABLE},
		{"too small", billing.ErrAmountTooSmall, domain.EINVALID},
		{"other", errors.New("boom"), domain.EINTERNAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, domain.ErrorCode(initError("payment.ensure_intent", tt.err)))
		})
	}
}
