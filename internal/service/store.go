package service

//go:generate mockgen -source=store.go -destination=mock_store.go -package=service

import (
	"context"

	"github.com/dukerupert/switchboard/internal/domain"
)

// SessionStore persists checkout sessions.
type SessionStore interface {
	// Get returns ENOTFOUND for unknown ids and EGONE for expired sessions.
	Get(ctx context.Context, id string) (*domain.CheckoutSession, error)

	// Create stores a new session.
	Create(ctx context.Context, s *domain.CheckoutSession) error

	// Upsert writes the whole session guarded by its revision and advances
	// s.Revision. A stale revision is ECONFLICT.
	Upsert(ctx context.Context, s *domain.CheckoutSession) error
}
