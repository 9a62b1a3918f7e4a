// Package resilience wraps calls to third-party HTTP APIs in a circuit
// breaker so a vendor outage fails fast instead of stalling checkout.
package resilience

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/switchboard/internal/telemetry"
	"github.com/sony/gobreaker/v2"
)

// Doer is the subset of *http.Client used by vendor clients.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned for 5xx responses, which count against the breaker.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}

// BreakerSettings tunes a breaker. Zero values fall back to defaults.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenFor is how long the breaker rejects calls before probing.
	OpenFor time.Duration
	// HalfOpenProbes is how many calls are let through while half-open.
	HalfOpenProbes uint32
}

// BreakerClient is a Doer guarded by a circuit breaker. 4xx responses are
// returned to the caller untouched and do not trip the breaker.
type BreakerClient struct {
	name   string
	client Doer
	cb     *gobreaker.CircuitBreaker[*http.Response]
}

// NewBreakerClient wraps client with a breaker identified by name.
func NewBreakerClient(name string, client Doer, settings BreakerSettings, logger *slog.Logger) *BreakerClient {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	failures := settings.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	openFor := settings.OpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	probes := settings.HalfOpenProbes
	if probes == 0 {
		probes = 1
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: probes,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if telemetry.Business != nil {
				telemetry.Business.BreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &BreakerClient{name: name, client: client, cb: cb}
}

// Do sends the request through the breaker.
func (c *BreakerClient) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.cb.Execute(func() (*http.Response, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode}
		}
		return resp, nil
	})
	if telemetry.Business != nil {
		telemetry.Business.ExternalAPILatency.
			WithLabelValues(c.name, req.Method+" "+req.URL.Path).
			Observe(time.Since(start).Seconds())
	}
	return resp, err
}

// State reports the breaker state.
func (c *BreakerClient) State() gobreaker.State {
	return c.cb.State()
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
