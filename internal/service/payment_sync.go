package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/switchboard/internal/billing"
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/events"
	"github.com/dukerupert/switchboard/internal/jobs"
	"github.com/dukerupert/switchboard/internal/pricing"
	"github.com/dukerupert/switchboard/internal/tax"
	"github.com/dukerupert/switchboard/internal/telemetry"
)

// DefaultPaymentInitTimeout bounds creating the processor customer and
// intent when the payment step is entered.
const DefaultPaymentInitTimeout = 12 * time.Second

// Intent metadata keys
const (
	metadataSubmissionID    = "submission_id"
	metadataTaxSubmissionID = "tax_submission_id"
	metadataOrderID         = "order_id"
)

// Totals is the priced state of a session: the breakdown, the tax quote for
// its tier and the amount to charge.
type Totals struct {
	Breakdown pricing.Breakdown `json:"breakdown"`
	Tax       *tax.Quote        `json:"tax"`
	Subtotal  decimal.Decimal   `json:"subtotal"`
	Total     decimal.Decimal   `json:"total"`
}

// Confirmation outcomes
const (
	OutcomeSucceeded      = "succeeded"
	OutcomeRequiresAction = "requires_action"
	OutcomeProcessing     = "processing"
)

// ConfirmResult is returned by Confirm and Resume.
type ConfirmResult struct {
	Outcome     string          `json:"outcome"`
	RedirectURL string          `json:"redirect_url,omitempty"`
	OrderID     string          `json:"order_id,omitempty"`
	Receipt     *domain.Receipt `json:"receipt,omitempty"`
}

// PaymentSyncConfig configures a PaymentSynchronizer.
type PaymentSyncConfig struct {
	Currency    string
	InitTimeout time.Duration
	// ReturnURL is where the processor sends the browser after a step-up
	// redirect. The session id is added as the "session" query parameter.
	ReturnURL string
	Now       func() time.Time
}

// PaymentSynchronizer keeps the processor's payment intent amount equal to
// the session's total and drives confirmation. Callers serialize access per
// session; every method expects to hold the session lock.
type PaymentSynchronizer struct {
	billing billing.Provider
	store   SessionStore
	outbox  Outbox
	drainer OutboxDrainer
	events  events.Publisher
	cfg     PaymentSyncConfig
	logger  *slog.Logger
}

// NewPaymentSynchronizer creates a synchronizer. drainer and publisher may
// be nil.
func NewPaymentSynchronizer(
	billingProvider billing.Provider,
	store SessionStore,
	outbox Outbox,
	drainer OutboxDrainer,
	publisher events.Publisher,
	cfg PaymentSyncConfig,
	logger *slog.Logger,
) *PaymentSynchronizer {
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = DefaultPaymentInitTimeout
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentSynchronizer{
		billing: billingProvider,
		store:   store,
		outbox:  outbox,
		drainer: drainer,
		events:  publisher,
		cfg:     cfg,
		logger:  logger,
	}
}

// EnsureIntent creates the processor customer and payment intent on first
// entry to the payment step. An existing intent is re-synced instead.
// The session is modified in memory; the caller saves it.
func (p *PaymentSynchronizer) EnsureIntent(ctx context.Context, s *domain.CheckoutSession, t Totals) error {
	const op = "payment.ensure_intent"

	if s.Payment.IntentID != "" {
		return p.Sync(ctx, s, t)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.InitTimeout)
	defer cancel()

	s.Payment.State = domain.PaymentCreating
	if s.Payment.SubmissionID == "" {
		s.Payment.SubmissionID = uuid.NewString()
	}

	if err := p.ensureCustomer(ctx, s); err != nil {
		s.Payment.State = domain.PaymentNone
		recordIntentOp("create", "error")
		return initError(op, err)
	}

	cents := pricing.ToCents(t.Total)
	params := billing.CreatePaymentIntentParams{
		AmountCents:    cents,
		Currency:       p.cfg.Currency,
		CustomerID:     s.Payment.CustomerID,
		CustomerEmail:  s.Contact.Email,
		Description:    planDescription(t.Breakdown),
		Metadata:       p.metadata(s, t),
		IdempotencyKey: intentIdempotencyKey(s, cents),
	}
	if s.Shipping.Complete() {
		addr := paymentAddress(s.Shipping)
		params.ShippingAddress = &addr
		params.ShippingName = s.Contact.FullName()
	}

	pi, err := p.billing.CreatePaymentIntent(ctx, params)
	if err != nil {
		s.Payment.State = domain.PaymentNone
		recordIntentOp("create", "error")
		return initError(op, err)
	}

	s.Payment.IntentID = pi.ID
	s.Payment.ClientSecret = pi.ClientSecret
	s.Payment.SyncedAmount = pricing.FromCents(pi.AmountCents)
	s.Payment.State = domain.PaymentSynced
	s.Payment.LastFailure = ""
	recordIntentOp("create", "ok")

	p.logger.Info("payment intent created",
		"session_id", s.ID,
		"payment_intent_id", pi.ID,
		"amount", s.Payment.SyncedAmount.StringFixed(2),
	)
	return nil
}

// intentIdempotencyKey lets a retried create replay the processor's answer,
// while a replacement for a lost intent gets a fresh one.
func intentIdempotencyKey(s *domain.CheckoutSession, cents int64) string {
	return fmt.Sprintf("%s:intent:%d:%d", s.ID, s.Payment.IntentGeneration, cents)
}

func (p *PaymentSynchronizer) ensureCustomer(ctx context.Context, s *domain.CheckoutSession) error {
	if s.Payment.CustomerID != "" || s.Contact.Email == "" {
		return nil
	}

	existing, err := p.billing.GetCustomerByEmail(ctx, s.Contact.Email)
	if err != nil {
		return err
	}
	if existing != nil {
		s.Payment.CustomerID = existing.ID
		return nil
	}

	billingAddr := paymentAddress(s.BillingAddressOrShipping())
	c, err := p.billing.CreateCustomer(ctx, billing.CreateCustomerParams{
		Email:   s.Contact.Email,
		Name:    s.Contact.FullName(),
		Phone:   s.Contact.Mobile,
		Address: &billingAddr,
		Metadata: map[string]string{
			billing.MetadataSessionID: s.ID,
		},
	})
	if err != nil {
		return err
	}
	s.Payment.CustomerID = c.ID
	return nil
}

// MarkStale records that the priced selections changed after the intent was
// created. It reports whether the state changed.
func (p *PaymentSynchronizer) MarkStale(s *domain.CheckoutSession) bool {
	if s.Payment.IntentID == "" {
		return false
	}
	switch s.Payment.State {
	case domain.PaymentSynced, domain.PaymentSyncing, domain.PaymentFailed:
		s.Payment.State = domain.PaymentStale
		return true
	}
	return false
}

// Sync brings the intent amount up to date. It is a no-op when the intent
// already carries the total.
func (p *PaymentSynchronizer) Sync(ctx context.Context, s *domain.CheckoutSession, t Totals) error {
	return p.sync(ctx, s, t, false)
}

func (p *PaymentSynchronizer) sync(ctx context.Context, s *domain.CheckoutSession, t Totals, force bool) error {
	const op = "payment.sync"

	if s.Payment.IntentID == "" {
		return p.EnsureIntent(ctx, s, t)
	}
	switch s.Payment.State {
	case domain.PaymentSucceeded:
		return ErrOrderPlaced
	case domain.PaymentConfirming:
		return ErrPaymentInProgress
	}

	target := pricing.Round(t.Total)
	if !force && s.Payment.State == domain.PaymentSynced && s.Payment.SyncedAmount.Equal(target) {
		return nil
	}

	s.Payment.State = domain.PaymentSyncing
	pi, err := p.billing.UpdatePaymentIntent(ctx, billing.UpdatePaymentIntentParams{
		PaymentIntentID: s.Payment.IntentID,
		SessionID:       s.ID,
		AmountCents:     pricing.ToCents(target),
		Description:     planDescription(t.Breakdown),
		Metadata:        p.metadata(s, t),
	})
	if err != nil {
		s.Payment.State = domain.PaymentStale
		recordIntentOp("sync", "error")
		if errors.Is(err, billing.ErrPaymentIntentNotFound) {
			// The intent is gone on the processor side; start over.
			s.Payment.IntentID = ""
			s.Payment.ClientSecret = ""
			s.Payment.State = domain.PaymentNone
			s.Payment.IntentGeneration++
		}
		return domain.Unavailable(err, op, "We could not update your payment amount. Please try again.")
	}

	s.Payment.SyncedAmount = pricing.FromCents(pi.AmountCents)
	s.Payment.State = domain.PaymentSynced
	recordIntentOp("sync", "ok")
	return nil
}

// Confirm charges the session. It force-syncs the amount, durably writes the
// receipt and the held notifications, and only then asks the processor to
// confirm, so a step-up redirect cannot lose the order.
func (p *PaymentSynchronizer) Confirm(ctx context.Context, s *domain.CheckoutSession, t Totals, paymentMethodID string) (*ConfirmResult, error) {
	const op = "payment.confirm"

	if s.Progress.OrderPlaced {
		return succeededResult(s), nil
	}
	if s.Payment.State == domain.PaymentConfirming {
		// An earlier attempt may have completed behind a redirect.
		if res, done, err := p.checkInFlight(ctx, s); done || err != nil {
			return res, err
		}
		s.Payment.State = domain.PaymentStale
	}

	generation := s.Payment.IntentGeneration
	if err := p.sync(ctx, s, t, true); err != nil {
		if s.Payment.IntentGeneration != generation {
			if saveErr := p.store.Upsert(context.WithoutCancel(ctx), s); saveErr != nil {
				p.logger.Error("failed to save abandoned payment intent", "session_id", s.ID, "error", saveErr)
			}
		}
		return nil, err
	}
	if !s.Payment.SyncedAmount.Equal(pricing.Round(t.Total)) {
		return nil, domain.Internal(ErrAmountMismatch, op, "payment amount is out of date")
	}

	if s.Progress.OrderID == "" {
		s.Progress.OrderID = newOrderID()
	}
	s.Receipt = buildReceipt(s, t, p.cfg.Now())

	entries, err := p.notifications(s, t)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to prepare order notifications")
	}
	if _, err := p.outbox.Discard(ctx, s.ID); err != nil {
		return nil, domain.Internal(err, op, "failed to reset order notifications")
	}
	if err := p.outbox.Hold(ctx, entries...); err != nil {
		return nil, domain.Internal(err, op, "failed to record order notifications")
	}

	s.Payment.State = domain.PaymentConfirming
	s.Payment.LastFailure = ""
	s.UpdatedAt = p.cfg.Now().UTC()
	if err := p.store.Upsert(ctx, s); err != nil {
		s.Payment.State = domain.PaymentSynced
		_, _ = p.outbox.Discard(context.WithoutCancel(ctx), s.ID)
		return nil, err
	}

	events.Emit(ctx, p.events, p.logger, events.Event{
		Name:       events.PaymentStarted,
		SessionID:  s.ID,
		Properties: map[string]string{"tier": string(s.Plan.Tier), "amount": t.Total.StringFixed(2)},
	})

	pi, err := p.billing.ConfirmPaymentIntent(ctx, billing.ConfirmPaymentIntentParams{
		PaymentIntentID: s.Payment.IntentID,
		SessionID:       s.ID,
		PaymentMethodID: paymentMethodID,
		ReturnURL:       p.returnURL(s.ID),
	})
	if err != nil {
		return nil, p.fail(ctx, s, op, billing.Classify(err), err)
	}
	return p.settle(ctx, s, op, pi, "confirm")
}

// Resume finishes a payment after the browser returns from a step-up
// redirect. The processor's view of the intent is authoritative; the
// redirect status is only logged.
func (p *PaymentSynchronizer) Resume(ctx context.Context, s *domain.CheckoutSession, intentID, redirectStatus string) (*ConfirmResult, error) {
	const op = "payment.resume"

	if s.Progress.OrderPlaced {
		return succeededResult(s), nil
	}
	if intentID == "" || intentID != s.Payment.IntentID {
		return nil, ErrIntentMismatch
	}

	p.logger.Info("resuming payment after redirect",
		"session_id", s.ID,
		"payment_intent_id", intentID,
		"redirect_status", redirectStatus,
	)

	pi, err := p.billing.GetPaymentIntent(ctx, billing.GetPaymentIntentParams{
		PaymentIntentID: intentID,
		SessionID:       s.ID,
	})
	if err != nil {
		if errors.Is(err, billing.ErrPaymentIntentNotFound) {
			return nil, ErrIntentMismatch
		}
		return nil, domain.Unavailable(err, op, "We could not check your payment. Please refresh the page.")
	}

	switch {
	case pi.Succeeded():
		return p.finalize(ctx, s, "redirect")
	case pi.Status == billing.StatusProcessing:
		return &ConfirmResult{Outcome: OutcomeProcessing, OrderID: s.Progress.OrderID}, nil
	default:
		return nil, p.fail(ctx, s, op, billing.FailureAuthenticationRequired, nil)
	}
}

// MarkSucceeded places the order when the processor reports success out of
// band, e.g. by webhook after the browser never came back.
func (p *PaymentSynchronizer) MarkSucceeded(ctx context.Context, s *domain.CheckoutSession, intentID string) (*ConfirmResult, error) {
	if s.Progress.OrderPlaced {
		return succeededResult(s), nil
	}
	if intentID != s.Payment.IntentID {
		return nil, ErrIntentMismatch
	}
	return p.finalize(ctx, s, "webhook")
}

func (p *PaymentSynchronizer) checkInFlight(ctx context.Context, s *domain.CheckoutSession) (*ConfirmResult, bool, error) {
	pi, err := p.billing.GetPaymentIntent(ctx, billing.GetPaymentIntentParams{
		PaymentIntentID: s.Payment.IntentID,
		SessionID:       s.ID,
	})
	if err != nil {
		return nil, false, domain.Unavailable(err, "payment.confirm", "We could not check your payment. Please try again.")
	}
	switch {
	case pi.Succeeded():
		res, err := p.finalize(ctx, s, "confirm")
		return res, true, err
	case pi.Status == billing.StatusProcessing:
		return &ConfirmResult{Outcome: OutcomeProcessing, OrderID: s.Progress.OrderID}, true, nil
	}
	return nil, false, nil
}

// settle interprets the processor's answer to a confirm call.
func (p *PaymentSynchronizer) settle(ctx context.Context, s *domain.CheckoutSession, op string, pi *billing.PaymentIntent, source string) (*ConfirmResult, error) {
	switch {
	case pi.Succeeded():
		return p.finalize(ctx, s, source)
	case pi.RequiresAction():
		recordIntentOp("confirm", "requires_action")
		return &ConfirmResult{
			Outcome:     OutcomeRequiresAction,
			RedirectURL: pi.NextActionURL,
			OrderID:     s.Progress.OrderID,
		}, nil
	case pi.Status == billing.StatusProcessing:
		recordIntentOp("confirm", "processing")
		return &ConfirmResult{Outcome: OutcomeProcessing, OrderID: s.Progress.OrderID}, nil
	default:
		return nil, p.fail(ctx, s, op, billing.ClassifyPaymentError(pi.LastPaymentError), nil)
	}
}

// finalize marks the order placed, releases the held notifications and
// drains them in the background.
func (p *PaymentSynchronizer) finalize(ctx context.Context, s *domain.CheckoutSession, source string) (*ConfirmResult, error) {
	s.Payment.State = domain.PaymentSucceeded
	s.Payment.LastFailure = ""
	s.Progress.OrderPlaced = true
	s.Progress.Completed = true
	s.UpdatedAt = p.cfg.Now().UTC()
	if err := p.store.Upsert(ctx, s); err != nil {
		return nil, err
	}

	recordIntentOp("confirm", "succeeded")
	recordOrder(s, source)
	events.Emit(ctx, p.events, p.logger, events.Event{
		Name:      events.OrderPlaced,
		SessionID: s.ID,
		Properties: map[string]string{
			"order_id": s.Progress.OrderID,
			"tier":     string(s.Plan.Tier),
			"users":    strconv.Itoa(s.Plan.Users),
			"source":   source,
		},
	})

	bg := context.WithoutCancel(ctx)
	if _, err := p.outbox.Release(bg, s.ID); err != nil {
		p.logger.Error("failed to release order notifications", "session_id", s.ID, "error", err)
	} else if p.drainer != nil {
		go func() {
			if err := p.drainer.DrainSession(bg, s.ID); err != nil {
				p.logger.Warn("failed to drain order notifications", "session_id", s.ID, "error", err)
			}
		}()
	}

	p.logger.Info("order placed",
		"session_id", s.ID,
		"order_id", s.Progress.OrderID,
		"payment_intent_id", s.Payment.IntentID,
		"source", source,
	)
	return succeededResult(s), nil
}

// fail returns the session to SYNCED so the customer can retry, drops the
// held notifications and maps the failure for display.
func (p *PaymentSynchronizer) fail(ctx context.Context, s *domain.CheckoutSession, op string, kind billing.FailureKind, cause error) error {
	if kind == "" {
		kind = billing.FailureGeneric
	}
	s.Payment.State = domain.PaymentSynced
	s.Payment.LastFailure = string(kind)
	s.UpdatedAt = p.cfg.Now().UTC()

	bg := context.WithoutCancel(ctx)
	if _, err := p.outbox.Discard(bg, s.ID); err != nil {
		p.logger.Error("failed to discard order notifications", "session_id", s.ID, "error", err)
	}
	if err := p.store.Upsert(bg, s); err != nil {
		p.logger.Error("failed to save failed payment state", "session_id", s.ID, "error", err)
	}

	recordIntentOp("confirm", "failed")
	if telemetry.Business != nil {
		telemetry.Business.PaymentFailed.WithLabelValues(string(kind)).Inc()
	}
	events.Emit(ctx, p.events, p.logger, events.Event{
		Name:       events.PaymentFailed,
		SessionID:  s.ID,
		Properties: map[string]string{"reason": string(kind)},
	})

	p.logger.Warn("payment failed",
		"session_id", s.ID,
		"payment_intent_id", s.Payment.IntentID,
		"reason", kind,
		"error", cause,
	)
	return paymentError(op, kind, cause)
}

func (p *PaymentSynchronizer) metadata(s *domain.CheckoutSession, t Totals) map[string]string {
	md := map[string]string{
		billing.MetadataSessionID: s.ID,
		metadataSubmissionID:      s.Payment.SubmissionID,
		"tier":                    string(s.Plan.Tier),
		"users":                   strconv.Itoa(s.Plan.Users),
	}
	if t.Tax != nil && t.Tax.SubmissionID != "" {
		md[metadataTaxSubmissionID] = t.Tax.SubmissionID
	}
	if t.Tax != nil && t.Tax.Estimate {
		md["tax_estimated"] = "true"
	}
	if s.Progress.OrderID != "" {
		md[metadataOrderID] = s.Progress.OrderID
	}
	return md
}

func (p *PaymentSynchronizer) notifications(s *domain.CheckoutSession, t Totals) ([]jobs.Entry, error) {
	hook, err := jobs.NewEntry(s.ID, jobs.KindOrderWebhook, jobs.OrderWebhookPayload{
		OrderID:         s.Progress.OrderID,
		SessionID:       s.ID,
		PaymentIntentID: s.Payment.IntentID,
		SubmissionID:    s.Payment.SubmissionID,
		Contact:         s.Contact,
		Shipping:        s.Shipping,
		Billing:         s.BillingAddressOrShipping(),
		Phone:           s.Phone,
		Tier:            s.Plan.Tier,
		Users:           s.Plan.Users,
		CallingMode:     s.Plan.CallingMode,
		Hardware:        s.Hardware,
		OwnDevices:      s.OwnDevices,
		AddOns:          s.AddOns,
		Lines:           s.Receipt.Lines,
		Tax:             s.Receipt.Tax,
		TaxEstimated:    s.Receipt.Estimate,
		Total:           s.Receipt.Total,
		PlacedAt:        s.Receipt.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	entries := []jobs.Entry{hook}

	if s.Payment.CustomerID != "" {
		meta, err := jobs.NewEntry(s.ID, jobs.KindCustomerMetadata, jobs.CustomerMetadataPayload{
			CustomerID: s.Payment.CustomerID,
			Metadata: map[string]string{
				metadataOrderID:      s.Progress.OrderID,
				metadataSubmissionID: s.Payment.SubmissionID,
				"plan":               string(s.Plan.Tier),
				"users":              strconv.Itoa(s.Plan.Users),
			},
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, meta)
	}
	return entries, nil
}

func (p *PaymentSynchronizer) returnURL(sessionID string) string {
	if p.cfg.ReturnURL == "" {
		return ""
	}
	u, err := url.Parse(p.cfg.ReturnURL)
	if err != nil {
		return p.cfg.ReturnURL
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func buildReceipt(s *domain.CheckoutSession, t Totals, now time.Time) *domain.Receipt {
	r := &domain.Receipt{
		OrderID:   s.Progress.OrderID,
		Tier:      s.Plan.Tier,
		Users:     s.Plan.Users,
		Lines:     t.Breakdown.Lines(),
		Total:     pricing.Round(t.Total),
		CreatedAt: now.UTC(),
	}
	if t.Tax != nil {
		r.Tax = pricing.Round(t.Tax.Total)
		r.Estimate = t.Tax.Estimate
	}
	return r
}

func succeededResult(s *domain.CheckoutSession) *ConfirmResult {
	return &ConfirmResult{
		Outcome: OutcomeSucceeded,
		OrderID: s.Progress.OrderID,
		Receipt: s.Receipt,
	}
}

func planDescription(b pricing.Breakdown) string {
	name := b.Tier.Name
	if name == "" {
		name = string(b.Tier.ID)
	}
	return fmt.Sprintf("%s plan, %d user(s)", name, b.Users)
}

func paymentAddress(a domain.Address) billing.PaymentAddress {
	return billing.PaymentAddress{
		Line1:      a.Street,
		Line2:      a.Street2,
		City:       a.City,
		State:      a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

func newOrderID() string {
	return "ord_" + uuid.NewString()
}

// initError maps failures creating the intent. Slow or unreachable
// processors are retryable; anything else is hidden behind a generic error.
func initError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Unavailable(err, op, "Payment setup is taking longer than expected. Please try again.")
	}
	var se *billing.StripeError
	if errors.As(err, &se) && se.IsTemporary() {
		return domain.Unavailable(err, op, "Payment setup is temporarily unavailable. Please try again.")
	}
	if errors.Is(err, billing.ErrAmountTooSmall) {
		return domain.Invalid(op, "The order total is below the minimum charge")
	}
	return domain.Internal(err, op, "failed to set up payment")
}

func recordIntentOp(operation, outcome string) {
	if telemetry.Business != nil {
		telemetry.Business.PaymentIntentOps.WithLabelValues(operation, outcome).Inc()
	}
}

func recordOrder(s *domain.CheckoutSession, source string) {
	if telemetry.Business == nil {
		return
	}
	telemetry.Business.OrdersPlaced.WithLabelValues(string(s.Plan.Tier), source).Inc()
	if s.Receipt != nil {
		total, _ := s.Receipt.Total.Float64()
		telemetry.Business.OrderValue.WithLabelValues(string(s.Plan.Tier)).Observe(total)
	}
}
