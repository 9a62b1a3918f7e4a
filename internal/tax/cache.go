package tax

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/pricing"
	"github.com/dukerupert/switchboard/internal/telemetry"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// QuoteStore is an optional shared tier behind the in-process cache, so
// several server instances do not each pay for the same quote.
type QuoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// FallbackPostalCode is retried once when the customer's code yields no
	// usable lines.
	FallbackPostalCode string
	// EstimateRate overrides DefaultEstimateRate.
	EstimateRate decimal.Decimal
	// Shared is the optional second tier.
	Shared QuoteStore
	// Now overrides the clock.
	Now func() time.Time
	// FetchTimeout bounds one shared lookup. Default: 10s.
	FetchTimeout time.Duration
}

// Cache maps a canonical pricing key to the tax quote fetched for it today.
// Entries from earlier days are evicted as soon as the day rolls over.
// Estimates are never cached so a recovered tax service is used on the next
// lookup.
type Cache struct {
	provider     Provider
	shared       QuoteStore
	fallbackZip  string
	estimateRate decimal.Decimal
	now          func() time.Time
	fetchTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	day     string
	entries map[string][]byte

	group singleflight.Group
}

// NewCache creates a quote cache in front of provider.
func NewCache(provider Provider, cfg CacheConfig, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	rate := cfg.EstimateRate
	if rate.IsZero() {
		rate = DefaultEstimateRate
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &Cache{
		provider:     provider,
		shared:       cfg.Shared,
		fallbackZip:  cfg.FallbackPostalCode,
		estimateRate: rate,
		now:          now,
		fetchTimeout: fetchTimeout,
		logger:       logger,
		entries:      make(map[string][]byte),
	}
}

type cacheKey struct {
	Day            string `json:"day"`
	PostalCode     string `json:"zip"`
	Plan           string `json:"plan"`
	HardwareTotal  string `json:"hardware_subtotal"`
	AddOnTotal     string `json:"addon_subtotal"`
	ShippingTotal  string `json:"shipping_subtotal"`
	TaxBasisPlan   string `json:"tax_basis_plan_price"`
	Users          int    `json:"users"`
	ManagedDevices int    `json:"managed_devices"`
	Country        string `json:"country"`
}

// Key returns the canonical cache key for a priced order on the given day.
func Key(day string, b pricing.Breakdown) string {
	k := cacheKey{
		Day:            day,
		PostalCode:     b.PostalCode,
		Plan:           string(b.Tier.ID),
		HardwareTotal:  b.Hardware.StringFixed(2),
		AddOnTotal:     b.AddOnSubtotal().StringFixed(2),
		ShippingTotal:  b.Shipping.StringFixed(2),
		TaxBasisPlan:   b.TaxBasisPlanFee.StringFixed(2),
		Users:          b.Users,
		ManagedDevices: b.ManagedDevices,
		Country:        b.Country,
	}
	data, _ := json.Marshal(k)
	return string(data)
}

func (c *Cache) today() string {
	return c.now().UTC().Format("2006-01-02")
}

// lookup returns a cached entry, first dropping every entry from an earlier
// day.
func (c *Cache) lookup(day, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day != day {
		c.entries = make(map[string][]byte)
		c.day = day
	}
	data, ok := c.entries[key]
	return data, ok
}

func (c *Cache) store(day, key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day != day {
		return
	}
	c.entries[key] = data
}

// Len reports how many quotes are cached for today.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day != c.today() {
		return 0
	}
	return len(c.entries)
}

// GetOrFetch returns today's quote for the priced order, calling the tax
// service only on a miss. It never fails: when no real quote can be had it
// returns an estimate.
//
// Concurrent misses for one key share a single lookup. That lookup is not
// tied to any one caller's cancellation; a caller whose ctx ends first gets
// an estimate while the others keep waiting.
func (c *Cache) GetOrFetch(ctx context.Context, b pricing.Breakdown) *Quote {
	day := c.today()
	key := Key(day, b)

	if data, ok := c.lookup(day, key); ok {
		c.count("hit")
		return decode(data, b, c.estimateRate)
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		if data, ok := c.lookup(day, key); ok {
			return data, nil
		}
		if c.shared != nil {
			data, ok, err := c.shared.Get(ctx, key)
			if err != nil {
				c.logger.Warn("shared tax cache read failed", "error", err)
			} else if ok {
				c.count("shared_hit")
				c.store(day, key, data)
				return data, nil
			}
		}

		q := c.fetch(ctx, b)
		q.Key = key
		data, err := json.Marshal(q)
		if err != nil {
			return nil, err
		}
		if q.Estimate {
			return data, nil
		}

		c.store(day, key, data)
		if c.shared != nil {
			if err := c.shared.Set(ctx, key, data, c.untilMidnight()); err != nil {
				c.logger.Warn("shared tax cache write failed", "error", err)
			}
		}
		return data, nil
	})

	select {
	case res := <-ch:
		data, _ := res.Val.([]byte)
		return decode(data, b, c.estimateRate)
	case <-ctx.Done():
		return c.estimate(b)
	}
}

// Prewarm fetches quotes for several priced orders in parallel, typically
// one per plan tier. Failures surface as estimates and are not cached.
func (c *Cache) Prewarm(ctx context.Context, breakdowns []pricing.Breakdown) {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range breakdowns {
		g.Go(func() error {
			c.GetOrFetch(gctx, b)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cache) fetch(ctx context.Context, b pricing.Breakdown) *Quote {
	req := BuildRequest(b)
	logger := c.logger.With(domain.LogAttrs(ctx)...)

	q, err := c.provider.Quote(ctx, req)
	if err == nil && q.Usable() {
		c.count("miss")
		return q
	}
	if err != nil && !IsRejected(err) {
		logger.Warn("tax service unavailable, using estimate", "error", err, "postal_code", req.PostalCode)
		return c.estimate(b)
	}

	if c.fallbackZip != "" && c.fallbackZip != req.PostalCode {
		logger.Info("no usable tax lines, retrying with fallback postal code",
			"postal_code", req.PostalCode,
			"fallback", c.fallbackZip,
			"error", err,
		)
		req.PostalCode = c.fallbackZip
		q, err = c.provider.Quote(ctx, req)
		if err == nil && q.Usable() {
			c.count("fallback_zip")
			return q
		}
	}

	logger.Warn("no usable tax quote, using estimate", "error", err, "postal_code", b.PostalCode)
	return c.estimate(b)
}

func (c *Cache) estimate(b pricing.Breakdown) *Quote {
	c.count("estimate")
	return EstimateQuote(b, c.estimateRate)
}

func (c *Cache) untilMidnight() time.Duration {
	now := c.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(now)
}

func (c *Cache) count(result string) {
	if telemetry.Business != nil {
		telemetry.Business.TaxQuotes.WithLabelValues(result).Inc()
	}
}

// decode returns a private copy of a cached quote. A payload that cannot be
// decoded is replaced by an estimate.
func decode(data []byte, b pricing.Breakdown, rate decimal.Decimal) *Quote {
	var q Quote
	if len(data) == 0 || json.Unmarshal(data, &q) != nil {
		return EstimateQuote(b, rate)
	}
	return &q
}
