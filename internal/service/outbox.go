package service

import (
	"context"

	"github.com/dukerupert/switchboard/internal/jobs"
)

// Outbox holds notifications written before a payment is confirmed.
type Outbox interface {
	Hold(ctx context.Context, entries ...jobs.Entry) error
	Release(ctx context.Context, sessionID string) (int64, error)
	Discard(ctx context.Context, sessionID string) (int64, error)
}

// OutboxDrainer delivers a session's released entries.
type OutboxDrainer interface {
	DrainSession(ctx context.Context, sessionID string) error
}
