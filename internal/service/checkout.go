// Package service orchestrates the checkout: session edits, wizard
// navigation, pricing, provider verification and payment.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/switchboard/internal/address"
	"github.com/dukerupert/switchboard/internal/contact"
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/events"
	"github.com/dukerupert/switchboard/internal/lock"
	"github.com/dukerupert/switchboard/internal/numbers"
	"github.com/dukerupert/switchboard/internal/pricing"
	"github.com/dukerupert/switchboard/internal/tax"
	"github.com/dukerupert/switchboard/internal/telemetry"
	"github.com/dukerupert/switchboard/internal/wizard"
)

// Deps are the collaborators of a CheckoutService.
type Deps struct {
	Store      SessionStore
	Locker     lock.Locker
	Calculator *pricing.Calculator
	Taxes      *tax.Cache
	Wizard     *wizard.Machine
	Payments   *PaymentSynchronizer

	Addresses    address.Validator
	Autocomplete address.Autocompleter
	Emails       *contact.EmailValidator
	Numbers      numbers.Provider
	Events       events.Publisher

	// NewID generates session ids. Defaults to random UUIDs.
	NewID func() (string, error)
	Now   func() time.Time
}

// CheckoutService is the entry point for every checkout operation. All
// mutations of one session run under that session's lock.
type CheckoutService struct {
	store        SessionStore
	locker       lock.Locker
	calc         *pricing.Calculator
	taxes        *tax.Cache
	machine      *wizard.Machine
	payments     *PaymentSynchronizer
	addresses    address.Validator
	autocomplete address.Autocompleter
	emails       *contact.EmailValidator
	numbers      numbers.Provider
	events       events.Publisher
	newID        func() (string, error)
	now          func() time.Time
	logger       *slog.Logger
}

// NewCheckoutService creates a checkout service.
func NewCheckoutService(deps Deps, logger *slog.Logger) *CheckoutService {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Wizard == nil {
		deps.Wizard = wizard.New()
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if deps.NewID == nil {
		deps.NewID = func() (string, error) { return uuid.NewString(), nil }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &CheckoutService{
		store:        deps.Store,
		locker:       deps.Locker,
		calc:         deps.Calculator,
		taxes:        deps.Taxes,
		machine:      deps.Wizard,
		payments:     deps.Payments,
		addresses:    deps.Addresses,
		autocomplete: deps.Autocomplete,
		emails:       deps.Emails,
		numbers:      deps.Numbers,
		events:       deps.Events,
		newID:        deps.NewID,
		now:          deps.Now,
		logger:       logger,
	}
}

// StepResult is the answer to a navigation request.
type StepResult struct {
	Session  *domain.CheckoutSession `json:"session"`
	From     domain.Step             `json:"from"`
	To       domain.Step             `json:"to"`
	Warnings []string                `json:"warnings,omitempty"`
}

// PricingView is the priced state shown on every step.
type PricingView struct {
	Totals
	PaymentState domain.PaymentState `json:"payment_state"`
	SyncedAmount string              `json:"synced_amount,omitempty"`
	AmountInSync bool                `json:"amount_in_sync"`
}

// PaymentView is returned when the payment step mounts.
type PaymentView struct {
	Totals
	IntentID     string              `json:"intent_id"`
	ClientSecret string              `json:"client_secret"`
	Amount       string              `json:"amount"`
	State        domain.PaymentState `json:"state"`
}

func lockKey(id string) string {
	return "session:" + id
}

// mutate runs fn on the freshly loaded session under the session lock and
// saves the result. An error from fn skips the save unless wrapped with
// saveAnyway.
func (s *CheckoutService) mutate(ctx context.Context, id string, fn func(ctx context.Context, sess *domain.CheckoutSession) error) (*domain.CheckoutSession, error) {
	var out *domain.CheckoutSession
	err := s.locker.WithLock(ctx, lockKey(id), func(ctx context.Context) error {
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		fnErr := fn(ctx, sess)
		if fnErr != nil && !errors.Is(fnErr, errSaveAnyway) {
			return fnErr
		}
		sess.UpdatedAt = s.now().UTC()
		if err := s.store.Upsert(ctx, sess); err != nil {
			return err
		}
		out = sess
		if fnErr != nil {
			return unwrapSaveAnyway(fnErr)
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// Create starts a new checkout session.
func (s *CheckoutService) Create(ctx context.Context) (*domain.CheckoutSession, error) {
	const op = "checkout.create"

	id, err := s.newID()
	if err != nil {
		return nil, domain.Internal(err, op, "failed to generate session id")
	}
	sess := domain.NewCheckoutSession(id, s.now())
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	if telemetry.Business != nil {
		telemetry.Business.SessionsCreated.Inc()
	}
	s.logger.Info("checkout session created", "session_id", id)
	return sess, nil
}

// Get loads a session for display.
func (s *CheckoutService) Get(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	return s.store.Get(ctx, id)
}

// Update replaces the editable part of a session. Changes to anything that
// affects the price mark an existing payment intent stale.
func (s *CheckoutService) Update(ctx context.Context, id string, edit SessionEdit) (*domain.CheckoutSession, error) {
	const op = "checkout.update"

	if err := s.validateEdit(op, &edit); err != nil {
		return nil, err
	}

	return s.mutate(ctx, id, func(ctx context.Context, sess *domain.CheckoutSession) error {
		if err := editable(sess); err != nil {
			return err
		}
		before := pricing.InputFromSession(sess)
		edit.apply(sess)
		if !before.Equal(pricing.InputFromSession(sess)) && s.payments != nil {
			if s.payments.MarkStale(sess) {
				s.logger.Debug("payment intent marked stale", "session_id", sess.ID)
			}
		}
		return nil
	})
}

// Continue moves the session forward one step. Leaving the address step
// verifies the address, email and port number; leaving number selection
// reserves the chosen number exactly once. A blocked move still saves the
// verification results.
func (s *CheckoutService) Continue(ctx context.Context, id string) (*StepResult, error) {
	var res StepResult
	sess, err := s.mutate(ctx, id, func(ctx context.Context, sess *domain.CheckoutSession) error {
		if err := editable(sess); err != nil {
			return err
		}
		res.From = sess.Progress.Step

		if sess.Progress.Step == domain.StepAddress {
			warnings, err := s.verifyAddressStep(ctx, sess)
			res.Warnings = append(res.Warnings, warnings...)
			if err != nil {
				return saveAnyway(err)
			}
		}

		if _, err := s.machine.Next(sess); err != nil {
			if sess.Progress.Step == domain.StepAddress {
				return saveAnyway(s.blocked(sess, err))
			}
			return s.blocked(sess, err)
		}

		if sess.Progress.Step == domain.StepNumberSelection {
			warning, err := s.reserveNumber(ctx, sess)
			if err != nil {
				return err
			}
			if warning != "" {
				res.Warnings = append(res.Warnings, warning)
			}
		}

		if _, err := s.machine.Fire(sess, wizard.Continue); err != nil {
			return err
		}
		res.To = sess.Progress.Step

		events.Emit(ctx, s.events, s.logger, events.Event{
			Name:       events.StepCompleted,
			SessionID:  sess.ID,
			Properties: map[string]string{"step": res.From.String(), "next": res.To.String()},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Session = sess
	return &res, nil
}

func (s *CheckoutService) validateEdit(op string, edit *SessionEdit) error {
	err := edit.Validate(op)
	if s.calc == nil {
		return err
	}
	for id, qty := range edit.Hardware {
		if _, ok := s.calc.Catalog().Product(id); !ok && qty > 0 {
			err = domain.AddFieldError(err, "hardware."+id, "is not a product we offer")
		}
	}
	if ve, ok := err.(*domain.ValidationError); ok {
		ve.Op = op
	}
	return err
}

func (s *CheckoutService) blocked(sess *domain.CheckoutSession, err error) error {
	if telemetry.Business != nil {
		telemetry.Business.StepBlocked.WithLabelValues(sess.Progress.Step.String()).Inc()
	}
	return err
}

// Back moves the session to the step it came from.
func (s *CheckoutService) Back(ctx context.Context, id string) (*StepResult, error) {
	var res StepResult
	sess, err := s.mutate(ctx, id, func(ctx context.Context, sess *domain.CheckoutSession) error {
		if err := editable(sess); err != nil {
			return err
		}
		from, err := s.machine.Fire(sess, wizard.Back)
		res.From = from
		res.To = sess.Progress.Step
		return err
	})
	if err != nil {
		return nil, err
	}
	res.Session = sess
	return &res, nil
}

// Pricing prices the session's current selections on its tier.
func (s *CheckoutService) Pricing(ctx context.Context, id string) (*PricingView, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := s.totals(ctx, sess)
	if err != nil {
		return nil, err
	}
	view := &PricingView{
		Totals:       t,
		PaymentState: sess.Payment.State,
	}
	if sess.Payment.IntentID != "" {
		view.SyncedAmount = sess.Payment.SyncedAmount.StringFixed(2)
		view.AmountInSync = sess.Payment.State == domain.PaymentSynced && sess.Payment.SyncedAmount.Equal(t.Total)
	}
	return view, nil
}

// EnterPayment runs when the payment step mounts: it pre-warms tax quotes
// for every tier and creates or re-syncs the payment intent.
func (s *CheckoutService) EnterPayment(ctx context.Context, id string) (*PaymentView, error) {
	var view PaymentView
	_, err := s.mutate(ctx, id, func(ctx context.Context, sess *domain.CheckoutSession) error {
		if sess.Progress.OrderPlaced {
			return ErrOrderPlaced
		}
		if sess.Progress.Step != domain.StepPayment {
			return ErrNotOnPaymentStep
		}

		s.prewarm(ctx, sess)
		t, err := s.totals(ctx, sess)
		if err != nil {
			return err
		}
		if err := s.payments.EnsureIntent(ctx, sess, t); err != nil {
			return err
		}

		view = PaymentView{
			Totals:       t,
			IntentID:     sess.Payment.IntentID,
			ClientSecret: sess.Payment.ClientSecret,
			Amount:       sess.Payment.SyncedAmount.StringFixed(2),
			State:        sess.Payment.State,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// SyncPayment pushes the current total to the payment intent.
func (s *CheckoutService) SyncPayment(ctx context.Context, id string) (*PricingView, error) {
	var view PricingView
	_, err := s.mutate(ctx, id, func(ctx context.Context, sess *domain.CheckoutSession) error {
		t, err := s.totals(ctx, sess)
		if err != nil {
			return err
		}
		if err := s.payments.Sync(ctx, sess, t); err != nil {
			// Keep the stale or abandoned intent state for the next attempt.
			return saveAnyway(err)
		}
		view = PricingView{
			Totals:       t,
			PaymentState: sess.Payment.State,
			SyncedAmount: sess.Payment.SyncedAmount.StringFixed(2),
			AmountInSync: sess.Payment.SyncedAmount.Equal(t.Total),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// ConfirmPayment charges the session with the given payment method.
func (s *CheckoutService) ConfirmPayment(ctx context.Context, id, paymentMethodID string) (*ConfirmResult, error) {
	var res *ConfirmResult
	err := s.locker.WithLock(ctx, lockKey(id), func(ctx context.Context) error {
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if sess.Progress.OrderPlaced {
			res = succeededResult(sess)
			return nil
		}
		if sess.Progress.Step != domain.StepPayment {
			return ErrNotOnPaymentStep
		}
		// Edits are allowed on any step, so the steps already passed are
		// checked again against what will be charged.
		if step, err := s.machine.Revalidate(sess); err != nil {
			s.logger.Info("confirm blocked by an earlier step",
				"session_id", sess.ID,
				"step", step.String(),
				"error", err,
			)
			return s.blocked(sess, err)
		}
		t, err := s.totals(ctx, sess)
		if err != nil {
			return err
		}
		res, err = s.payments.Confirm(ctx, sess, t, paymentMethodID)
		return err
	})
	return res, err
}

// ResumePayment completes a payment after a step-up redirect.
func (s *CheckoutService) ResumePayment(ctx context.Context, id, intentID, redirectStatus string) (*ConfirmResult, error) {
	var res *ConfirmResult
	err := s.locker.WithLock(ctx, lockKey(id), func(ctx context.Context) error {
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		res, err = s.payments.Resume(ctx, sess, intentID, redirectStatus)
		return err
	})
	return res, err
}

// PaymentSucceeded handles a processor success notification.
func (s *CheckoutService) PaymentSucceeded(ctx context.Context, id, intentID string) error {
	return s.locker.WithLock(ctx, lockKey(id), func(ctx context.Context) error {
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		_, err = s.payments.MarkSucceeded(ctx, sess, intentID)
		return err
	})
}

// totals prices the session and attaches today's tax quote for its tier.
func (s *CheckoutService) totals(ctx context.Context, sess *domain.CheckoutSession) (Totals, error) {
	b, err := s.calc.Calculate(pricing.InputFromSession(sess))
	if err != nil {
		return Totals{}, err
	}
	q := s.taxes.GetOrFetch(ctx, b)
	return Totals{
		Breakdown: b,
		Tax:       q,
		Subtotal:  pricing.Round(b.Subtotal()),
		Total:     pricing.Round(b.Total(q.Total)),
	}, nil
}

func (s *CheckoutService) prewarm(ctx context.Context, sess *domain.CheckoutSession) {
	all, err := s.calc.CalculateAll(pricing.InputFromSession(sess))
	if err != nil {
		return
	}
	breakdowns := make([]pricing.Breakdown, 0, len(all))
	for _, tier := range domain.AllTiers {
		if b, ok := all[tier]; ok {
			breakdowns = append(breakdowns, b)
		}
	}
	s.taxes.Prewarm(ctx, breakdowns)
}

func editable(sess *domain.CheckoutSession) error {
	switch {
	case sess.Progress.OrderPlaced:
		return ErrOrderPlaced
	case sess.Payment.State == domain.PaymentConfirming:
		return ErrPaymentInProgress
	}
	return nil
}

// errSaveAnyway marks an error after which the session is still saved.
var errSaveAnyway = errors.New("save anyway")

type saveAnywayError struct{ err error }

func (e *saveAnywayError) Error() string { return e.err.Error() }
func (e *saveAnywayError) Is(target error) bool {
	return target == errSaveAnyway
}

func saveAnyway(err error) error { return &saveAnywayError{err: err} }

func unwrapSaveAnyway(err error) error {
	var sa *saveAnywayError
	if errors.As(err, &sa) {
		return sa.err
	}
	return err
}
