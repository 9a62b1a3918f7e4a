package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/switchboard/internal/address"
	"github.com/dukerupert/switchboard/internal/billing"
	"github.com/dukerupert/switchboard/internal/contact"
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/events"
	"github.com/dukerupert/switchboard/internal/jobs"
	"github.com/dukerupert/switchboard/internal/lock"
	"github.com/dukerupert/switchboard/internal/numbers"
	"github.com/dukerupert/switchboard/internal/pricing"
	"github.com/dukerupert/switchboard/internal/tax"
	"github.com/dukerupert/switchboard/internal/wizard"
)

var testNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore stores sessions as JSON, the way the postgres store does, so
// tests never share pointers with the store.
type memStore struct {
	mu   sync.Mutex
	rows map[string][]byte
	revs map[string]int64
}

func newMemStore() *memStore {
	return &memStore{rows: map[string][]byte{}, revs: map[string]int64{}}
}

func (m *memStore) Get(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.rows[id]
	if !ok {
		return nil, domain.NotFound("session.get", "checkout session", id)
	}
	var s domain.CheckoutSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	s.ID = id
	s.Revision = m.revs[id]
	return &s, nil
}

func (m *memStore) Create(ctx context.Context, s *domain.CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[s.ID]; ok {
		return domain.Conflict("session.create", "session already exists")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	s.Revision = 1
	m.rows[s.ID] = data
	m.revs[s.ID] = 1
	return nil
}

func (m *memStore) Upsert(ctx context.Context, s *domain.CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rev, ok := m.revs[s.ID]; ok && rev != s.Revision {
		return domain.Conflict("session.upsert", "session was modified concurrently")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	s.Revision++
	m.rows[s.ID] = data
	m.revs[s.ID] = s.Revision
	return nil
}

// load reads a session straight from storage.
func (m *memStore) load(t *testing.T, id string) *domain.CheckoutSession {
	t.Helper()
	s, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

// memOutbox tracks entries by status.
type memOutbox struct {
	mu      sync.Mutex
	entries []jobs.Entry
	drained chan string
}

func newMemOutbox() *memOutbox {
	return &memOutbox{drained: make(chan string, 8)}
}

func (o *memOutbox) Hold(ctx context.Context, entries ...jobs.Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, entries...)
	return nil
}

func (o *memOutbox) setStatus(sessionID string, from, to jobs.Status) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for i := range o.entries {
		if o.entries[i].SessionID == sessionID && o.entries[i].Status == from {
			o.entries[i].Status = to
			n++
		}
	}
	return n
}

func (o *memOutbox) Release(ctx context.Context, sessionID string) (int64, error) {
	return o.setStatus(sessionID, jobs.StatusHeld, jobs.StatusPending), nil
}

func (o *memOutbox) Discard(ctx context.Context, sessionID string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.entries[:0]
	var n int64
	for _, e := range o.entries {
		if e.SessionID == sessionID && e.Status == jobs.StatusHeld {
			n++
			continue
		}
		kept = append(kept, e)
	}
	o.entries = kept
	return n, nil
}

func (o *memOutbox) DrainSession(ctx context.Context, sessionID string) error {
	o.drained <- sessionID
	return nil
}

func (o *memOutbox) byStatus(status jobs.Status) []jobs.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []jobs.Entry
	for _, e := range o.entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

// recordingPublisher keeps published event names.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Name)
	}
	return out
}

type testEnv struct {
	svc       *CheckoutService
	store     *memStore
	outbox    *memOutbox
	billing   *billing.MockProvider
	taxes     *tax.MockProvider
	addresses *address.MockValidator
	emails    *contact.MockEmailVerifier
	numbers   *numbers.MockProvider
	events    *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     newMemStore(),
		outbox:    newMemOutbox(),
		billing:   billing.NewMockProvider(),
		taxes:     tax.NewMockProvider(),
		addresses: address.NewMockValidator(),
		emails:    &contact.MockEmailVerifier{},
		numbers:   numbers.NewMockProvider(),
		events:    &recordingPublisher{},
	}
	logger := discardLogger()
	now := func() time.Time { return testNow }

	payments := NewPaymentSynchronizer(env.billing, env.store, env.outbox, env.outbox, env.events, PaymentSyncConfig{
		ReturnURL: "https://shop.example.com/checkout/return",
		Now:       now,
	}, logger)

	seq := 0
	env.svc = NewCheckoutService(Deps{
		Store:        env.store,
		Locker:       lock.NewLocalLocker(),
		Calculator:   pricing.NewCalculator(pricing.DefaultCatalog(), true),
		Taxes:        tax.NewCache(env.taxes, tax.CacheConfig{FallbackPostalCode: "59601", Now: now}, logger),
		Wizard:       wizard.New(),
		Payments:     payments,
		Addresses:    env.addresses,
		Autocomplete: env.addresses,
		Emails:       contact.NewEmailValidator(env.emails, logger),
		Numbers:      env.numbers,
		Events:       env.events,
		NewID: func() (string, error) {
			seq++
			return fmt.Sprintf("sess_%03d", seq), nil
		},
		Now: now,
	}, logger)
	return env
}

// validEdit completes every step for a new number on desk phones.
func validEdit() SessionEdit {
	return SessionEdit{
		Contact: domain.Contact{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "Ada@Example.com ",
			Mobile:    "(406) 555-0100",
		},
		Shipping: domain.Address{
			Street:     "100 Main St",
			City:       "Helena",
			Region:     "mt",
			PostalCode: "59601",
			Country:    "US",
		},
		Billing: domain.BillingAddress{SameAsShipping: true},
		Phone: PhoneEdit{
			Mode:           domain.PhoneModeNew,
			AreaCode:       "406",
			SelectedNumber: "+14065550101",
		},
		Plan: domain.PlanSelection{
			Tier:        domain.TierAnnual,
			Users:       3,
			CallingMode: domain.CallingHardware,
		},
		Hardware:   map[string]int{"desk-executive": 2},
		OwnDevices: 1,
	}
}

// newSession creates a session and saves validEdit on it.
func (env *testEnv) newSession(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	sess, err := env.svc.Create(ctx)
	require.NoError(t, err)
	_, err = env.svc.Update(ctx, sess.ID, validEdit())
	require.NoError(t, err)
	return sess.ID
}

// toPayment walks a fresh session to the payment step and creates the intent.
func (env *testEnv) toPayment(t *testing.T) (string, *PaymentView) {
	t.Helper()
	ctx := context.Background()
	id := env.newSession(t)
	for i := 0; i < 4; i++ {
		_, err := env.svc.Continue(ctx, id)
		require.NoError(t, err)
	}
	require.Equal(t, domain.StepPayment, env.store.load(t, id).Progress.Step)

	view, err := env.svc.EnterPayment(ctx, id)
	require.NoError(t, err)
	return id, view
}
