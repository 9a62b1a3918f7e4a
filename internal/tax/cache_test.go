package tax_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/pricing"
	"github.com/dukerupert/switchboard/internal/tax"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var calc = pricing.NewCalculator(pricing.DefaultCatalog(), true)

func breakdown(t *testing.T, in pricing.Input) pricing.Breakdown {
	t.Helper()
	b, err := calc.Calculate(in)
	require.NoError(t, err)
	return b
}

func annualInput() pricing.Input {
	return pricing.Input{
		Tier:       domain.TierAnnual,
		Users:      3,
		Hardware:   map[string]int{"desk-executive": 1},
		OwnDevices: 1,
		Country:    "US",
		PostalCode: "78701",
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)}
}

func TestBuildRequest_SumsToTaxableSubtotal(t *testing.T) {
	in := annualInput()
	in.Protection = true
	in.Fax = true
	b := breakdown(t, in)

	req := tax.BuildRequest(b)

	assert.True(t, req.Sum().Equal(b.TaxableSubtotal()), "sum %s != taxable %s", req.Sum(), b.TaxableSubtotal())
	assert.Equal(t, 12, req.TermMonths)
	assert.Equal(t, 3, req.Extensions)
	assert.Equal(t, 1, req.Locations)
	assert.Equal(t, 2, req.HardwareUsers)
	assert.Equal(t, 1, req.AppOnlyUsers)
	assert.Equal(t, "78701", req.PostalCode)
	// Two managed devices attach two of three users to hardware.
	assert.True(t, req.TelcoFeeHardware.Equal(decimal.RequireFromString("239")))
	assert.True(t, req.TelcoFeeAppOnly.Equal(decimal.RequireFromString("119.5")))
	assert.True(t, req.HardwareOneTime.Equal(decimal.RequireFromString("149")))
	assert.NotEmpty(t, req.PlanLabel)
}

func TestBuildRequest_UsesTaxBasisUnderPromotion(t *testing.T) {
	b := breakdown(t, pricing.Input{Tier: domain.TierShortTerm, Users: 1, Promotion: true, Country: "US"})
	req := tax.BuildRequest(b)

	assert.True(t, req.TelcoFeeAppOnly.Equal(decimal.RequireFromString("35.85")))
	assert.True(t, req.TelcoFeeHardware.IsZero())
	assert.Equal(t, 0, req.HardwareUsers)
	assert.Equal(t, 1, req.AppOnlyUsers)
}

func TestCache_RepeatedLookupsCallProviderOnce(t *testing.T) {
	provider := tax.NewMockProvider()
	clk := newClock()
	cache := tax.NewCache(provider, tax.CacheConfig{Now: clk.Now}, nil)
	b := breakdown(t, annualInput())

	first := cache.GetOrFetch(context.Background(), b)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		q := cache.GetOrFetch(context.Background(), b)
		data, err := json.Marshal(q)
		require.NoError(t, err)
		assert.Equal(t, firstJSON, data)
	}

	assert.Equal(t, 1, provider.Calls())
	assert.False(t, first.Estimate)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_ReturnsPrivateCopies(t *testing.T) {
	cache := tax.NewCache(tax.NewMockProvider(), tax.CacheConfig{}, nil)
	b := breakdown(t, annualInput())

	q := cache.GetOrFetch(context.Background(), b)
	q.Lines[0].Description = "mutated"

	again := cache.GetOrFetch(context.Background(), b)
	assert.Equal(t, "Sales tax", again.Lines[0].Description)
}

func TestCache_DistinctInputsAreDistinctKeys(t *testing.T) {
	provider := tax.NewMockProvider()
	cache := tax.NewCache(provider, tax.CacheConfig{}, nil)

	in := annualInput()
	cache.GetOrFetch(context.Background(), breakdown(t, in))

	in.Users = 4
	cache.GetOrFetch(context.Background(), breakdown(t, in))

	in.PostalCode = "10001"
	cache.GetOrFetch(context.Background(), breakdown(t, in))

	assert.Equal(t, 3, provider.Calls())
	assert.Equal(t, 3, cache.Len())
}

func TestCache_EvictsOnDayRollover(t *testing.T) {
	provider := tax.NewMockProvider()
	clk := newClock()
	cache := tax.NewCache(provider, tax.CacheConfig{Now: clk.Now}, nil)
	b := breakdown(t, annualInput())

	cache.GetOrFetch(context.Background(), b)
	clk.Advance(10 * time.Hour) // past midnight UTC
	cache.GetOrFetch(context.Background(), b)

	assert.Equal(t, 2, provider.Calls())
	assert.Equal(t, 1, cache.Len())
}

func TestCache_FallbackPostalCodeRetriedOnce(t *testing.T) {
	provider := tax.NewMockProvider()
	provider.QuoteFunc = func(ctx context.Context, req tax.Request) (*tax.Quote, error) {
		if req.PostalCode == "99999" {
			return &tax.Quote{SubmissionID: "empty"}, nil
		}
		return &tax.Quote{
			Lines:        []tax.Line{{Description: "Federal USF", Amount: decimal.RequireFromString("12.34")}},
			Total:        decimal.RequireFromString("12.34"),
			SubmissionID: "sub_" + req.PostalCode,
			PostalCode:   req.PostalCode,
		}, nil
	}
	cache := tax.NewCache(provider, tax.CacheConfig{FallbackPostalCode: "10001"}, nil)

	in := annualInput()
	in.PostalCode = "99999"
	q := cache.GetOrFetch(context.Background(), breakdown(t, in))

	require.Equal(t, 2, provider.Calls())
	assert.Equal(t, "99999", provider.Requests[0].PostalCode)
	assert.Equal(t, "10001", provider.Requests[1].PostalCode)
	assert.False(t, q.Estimate)
	assert.Equal(t, "sub_10001", q.SubmissionID)
	assert.Equal(t, "10001", q.PostalCode)
}

func TestCache_FallsBackToEstimateWhenNothingUsable(t *testing.T) {
	provider := tax.NewMockProvider()
	provider.QuoteFunc = func(ctx context.Context, req tax.Request) (*tax.Quote, error) {
		return &tax.Quote{}, nil
	}
	cache := tax.NewCache(provider, tax.CacheConfig{FallbackPostalCode: "10001"}, nil)
	b := breakdown(t, annualInput())

	q := cache.GetOrFetch(context.Background(), b)

	assert.Equal(t, 2, provider.Calls())
	assert.True(t, q.Estimate)
	want := b.TaxableSubtotal().Mul(decimal.RequireFromString("0.47")).Round(2)
	assert.True(t, want.Equal(q.Total), "want %s got %s", want, q.Total)
	assert.Equal(t, 0, cache.Len(), "estimates are not cached")
}

func TestCache_UnavailableSkipsFallbackAndIsNotCached(t *testing.T) {
	provider := tax.NewMockProvider()
	provider.QuoteFunc = func(ctx context.Context, req tax.Request) (*tax.Quote, error) {
		return nil, fmt.Errorf("%w: connection refused", tax.ErrUnavailable)
	}
	cache := tax.NewCache(provider, tax.CacheConfig{FallbackPostalCode: "10001"}, nil)
	b := breakdown(t, annualInput())

	q := cache.GetOrFetch(context.Background(), b)
	assert.True(t, q.Estimate)
	assert.Equal(t, 1, provider.Calls())

	provider.QuoteFunc = nil
	q = cache.GetOrFetch(context.Background(), b)
	assert.False(t, q.Estimate, "recovered provider is used on the next lookup")
	assert.Equal(t, 2, provider.Calls())
}

func TestCache_RejectedRequestTriesFallback(t *testing.T) {
	provider := tax.NewMockProvider()
	provider.QuoteFunc = func(ctx context.Context, req tax.Request) (*tax.Quote, error) {
		if req.PostalCode != "10001" {
			return nil, fmt.Errorf("%w (status 422): unknown zip", tax.ErrRejected)
		}
		return &tax.Quote{Lines: []tax.Line{{Description: "State tax", Amount: decimal.NewFromInt(5)}}, Total: decimal.NewFromInt(5)}, nil
	}
	cache := tax.NewCache(provider, tax.CacheConfig{FallbackPostalCode: "10001"}, nil)

	q := cache.GetOrFetch(context.Background(), breakdown(t, annualInput()))
	assert.False(t, q.Estimate)
	assert.Equal(t, 2, provider.Calls())
}

func TestCache_ConcurrentMissesCollapse(t *testing.T) {
	release := make(chan struct{})
	provider := tax.NewMockProvider()
	provider.QuoteFunc = func(ctx context.Context, req tax.Request) (*tax.Quote, error) {
		<-release
		return &tax.Quote{Lines: []tax.Line{{Description: "Sales tax", Amount: decimal.NewFromInt(1)}}, Total: decimal.NewFromInt(1)}, nil
	}
	cache := tax.NewCache(provider, tax.CacheConfig{}, nil)
	b := breakdown(t, annualInput())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := cache.GetOrFetch(context.Background(), b)
			assert.False(t, q.Estimate)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, provider.Calls())
}

func TestCache_CancelledCallerDoesNotSpoilSharedLookup(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	provider := tax.NewMockProvider()
	provider.QuoteFunc = func(ctx context.Context, req tax.Request) (*tax.Quote, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &tax.Quote{Lines: []tax.Line{{Description: "Sales tax", Amount: decimal.NewFromInt(1)}}, Total: decimal.NewFromInt(1)}, nil
	}
	cache := tax.NewCache(provider, tax.CacheConfig{}, nil)
	b := breakdown(t, annualInput())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan *tax.Quote, 1)
	go func() { first <- cache.GetOrFetch(firstCtx, b) }()
	<-started

	second := make(chan *tax.Quote, 1)
	go func() { second <- cache.GetOrFetch(context.Background(), b) }()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.True(t, (<-first).Estimate, "the cancelled caller stops waiting")

	close(release)
	q := <-second
	assert.False(t, q.Estimate)
	assert.True(t, q.Total.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 1, provider.Calls())
	assert.Equal(t, 1, cache.Len())
}

func TestCache_PrewarmAllTiers(t *testing.T) {
	provider := tax.NewMockProvider()
	cache := tax.NewCache(provider, tax.CacheConfig{}, nil)

	all, err := calc.CalculateAll(annualInput())
	require.NoError(t, err)
	var bs []pricing.Breakdown
	for _, b := range all {
		bs = append(bs, b)
	}

	cache.Prewarm(context.Background(), bs)
	assert.Equal(t, 3, provider.Calls())

	// Switching tiers afterwards is served from cache.
	cache.GetOrFetch(context.Background(), all[domain.TierMultiYear])
	assert.Equal(t, 3, provider.Calls())
}

func TestCache_SharedRedisTier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := tax.NewRedisQuoteStore(client, "")
	b := breakdown(t, annualInput())

	providerA := tax.NewMockProvider()
	cacheA := tax.NewCache(providerA, tax.CacheConfig{Shared: store}, nil)
	qa := cacheA.GetOrFetch(context.Background(), b)

	providerB := tax.NewMockProvider()
	cacheB := tax.NewCache(providerB, tax.CacheConfig{Shared: store}, nil)
	qb := cacheB.GetOrFetch(context.Background(), b)

	assert.Equal(t, 1, providerA.Calls())
	assert.Equal(t, 0, providerB.Calls(), "second instance reads the shared tier")
	assert.Equal(t, qa.SubmissionID, qb.SubmissionID)
	assert.Len(t, mr.Keys(), 1)
}

func TestRedisQuoteStore_Miss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := tax.NewRedisQuoteStore(client, "test:")
	_, ok, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(context.Background(), "k", []byte(`{"total":"1"}`), time.Hour))
	data, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"total":"1"}`, string(data))

	mr.FastForward(2 * time.Hour)
	_, ok, err = store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuote_Usable(t *testing.T) {
	var nilQuote *tax.Quote
	assert.False(t, nilQuote.Usable())
	assert.False(t, (&tax.Quote{}).Usable())
	assert.False(t, (&tax.Quote{Lines: []tax.Line{{Amount: decimal.NewFromInt(1)}}}).Usable())
	assert.True(t, (&tax.Quote{Lines: []tax.Line{{Description: "E911"}}}).Usable())
}

func TestIsRejected(t *testing.T) {
	assert.True(t, tax.IsRejected(fmt.Errorf("%w: bad zip", tax.ErrRejected)))
	assert.False(t, tax.IsRejected(tax.ErrUnavailable))
	assert.False(t, tax.IsRejected(errors.New("other")))
}
