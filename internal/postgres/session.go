// Package postgres persists checkout sessions and their outbox in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/switchboard/internal/domain"
)

// SessionStore stores each checkout session as a single JSONB document
// guarded by a revision counter.
type SessionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSessionStore creates a session store backed by pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool, now: time.Now}
}

// Get loads a session. Missing sessions are ENOTFOUND and sessions past their
// retention window are EGONE.
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	const op = "session.get"

	if !plausibleSessionID(id) {
		return nil, domain.NotFound(op, "checkout session", id)
	}

	var (
		data      []byte
		revision  int64
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, revision, expires_at FROM checkout_sessions WHERE id = $1`, id,
	).Scan(&data, &revision, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound(op, "checkout session", id)
		}
		return nil, domain.Internal(err, op, "failed to load checkout session")
	}

	if !s.now().Before(expiresAt) {
		return nil, domain.Gone(op, "this checkout session has expired")
	}

	var session domain.CheckoutSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, domain.Internal(err, op, "failed to decode checkout session")
	}
	session.ID = id
	session.Revision = revision
	return &session, nil
}

// Create inserts a new session at revision 1.
func (s *SessionStore) Create(ctx context.Context, session *domain.CheckoutSession) error {
	const op = "session.create"

	next := *session
	next.Revision = 1
	data, err := json.Marshal(&next)
	if err != nil {
		return domain.Internal(err, op, "failed to encode checkout session")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO checkout_sessions (id, revision, data, created_at, updated_at, expires_at)
VALUES ($1, 1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`,
		session.ID, data, session.CreatedAt, session.UpdatedAt, session.ExpiresAt)
	if err != nil {
		return domain.Internal(err, op, "failed to create checkout session")
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflict(op, "checkout session already exists")
	}
	session.Revision = 1
	return nil
}

// Upsert writes the whole session. The write only applies when the stored
// revision still equals session.Revision, after which session.Revision is
// advanced. Writing the same payload twice is a no-op rather than a conflict.
func (s *SessionStore) Upsert(ctx context.Context, session *domain.CheckoutSession) error {
	const op = "session.upsert"

	next := *session
	next.Revision = session.Revision + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return domain.Internal(err, op, "failed to encode checkout session")
	}

	var stored int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO checkout_sessions (id, revision, data, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
    SET revision = EXCLUDED.revision,
        data = EXCLUDED.data,
        updated_at = EXCLUDED.updated_at,
        expires_at = EXCLUDED.expires_at
    WHERE checkout_sessions.revision = $7
RETURNING revision`,
		session.ID, next.Revision, data, session.CreatedAt, session.UpdatedAt, session.ExpiresAt, session.Revision,
	).Scan(&stored)
	if err == nil {
		session.Revision = stored
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Internal(err, op, "failed to save checkout session")
	}

	// The guard refused the write. If the row already holds exactly this
	// payload the earlier attempt landed.
	var same bool
	err = s.pool.QueryRow(ctx,
		`SELECT data = $2::jsonb FROM checkout_sessions WHERE id = $1 AND revision = $3`,
		session.ID, data, next.Revision,
	).Scan(&same)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.Internal(err, op, "failed to save checkout session")
	}
	if same {
		session.Revision = next.Revision
		return nil
	}
	return domain.Conflict(op, "checkout session was changed by another request; reload and try again")
}

// DeleteExpired removes sessions whose retention window ended before the
// given time, together with their outbox entries.
func (s *SessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM checkout_sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
