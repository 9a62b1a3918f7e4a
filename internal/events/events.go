// Package events publishes checkout funnel events for analytics and
// marketing consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dukerupert/switchboard/internal/telemetry"
)

// Event names
const (
	StepCompleted  = "step_completed"
	PaymentStarted = "payment_started"
	OrderPlaced    = "order_placed"
	PaymentFailed  = "payment_failed"
)

// Event is a single funnel event.
type Event struct {
	Name       string            `json:"name"`
	SessionID  string            `json:"session_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Publisher publishes funnel events. Publishing never blocks checkout;
// callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes each event on subject "<prefix>.<name>".
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "checkout"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Connect dials the NATS server at url.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// Subject returns the subject an event name is published on.
func (p *NATSPublisher) Subject(name string) string {
	return p.prefix + "." + name
}

// Publish encodes e as JSON and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.conn.Publish(p.Subject(e.Name), data)
	count(e.Name, err)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Name, err)
	}
	return nil
}

// NopPublisher discards events. Used when NATS is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Emit publishes e and logs, rather than returns, any failure.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn("failed to publish checkout event", "event", e.Name, "session_id", e.SessionID, "error", err)
	}
}

func count(name string, err error) {
	if telemetry.Business == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.Business.EventsPublished.WithLabelValues(name, outcome).Inc()
}
