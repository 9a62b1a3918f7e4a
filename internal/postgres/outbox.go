package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/switchboard/internal/jobs"
)

// ErrStoreUnavailable indicates the outbox has no database behind it.
var ErrStoreUnavailable = errors.New("postgres: outbox store unavailable")

const outboxColumns = `id, session_id, kind, payload, status, created_at, attempted_at, COALESCE(last_error, '')`

// OutboxStore persists jobs.Entry rows. Entries are written held, released
// to pending when the order is placed and claimed by the worker.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore creates an outbox store backed by pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// Hold inserts entries in the held state in a single transaction.
func (s *OutboxStore) Hold(ctx context.Context, entries ...jobs.Entry) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	if len(entries) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, e := range entries {
			if e.ID == uuid.Nil {
				e.ID = uuid.New()
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO checkout_outbox (id, session_id, kind, payload, status)
VALUES ($1, $2, $3, $4, 'held')
ON CONFLICT (id) DO NOTHING`,
				e.ID, e.SessionID, e.Kind, []byte(e.Payload))
			if err != nil {
				return fmt.Errorf("failed to hold %s entry: %w", e.Kind, err)
			}
		}
		return nil
	})
}

// Release makes the session's held entries deliverable.
func (s *OutboxStore) Release(ctx context.Context, sessionID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkout_outbox SET status = 'pending' WHERE session_id = $1 AND status = 'held'`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to release outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Discard drops the session's held entries after a failed payment.
func (s *OutboxStore) Discard(ctx context.Context, sessionID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM checkout_outbox WHERE session_id = $1 AND status = 'held'`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to discard outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimPending moves up to limit pending entries to processing and returns
// them, oldest first. Concurrent claimers never see the same entry.
func (s *OutboxStore) ClaimPending(ctx context.Context, limit int) ([]jobs.Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	if limit <= 0 {
		limit = 10
	}
	return s.claim(ctx,
		`UPDATE checkout_outbox SET status = 'processing', attempted_at = NOW()
WHERE id IN (
    SELECT id FROM checkout_outbox
    WHERE status = 'pending'
    ORDER BY created_at
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+outboxColumns, limit)
}

// ClaimPendingForSession claims every pending entry of one session.
func (s *OutboxStore) ClaimPendingForSession(ctx context.Context, sessionID string) ([]jobs.Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	return s.claim(ctx,
		`UPDATE checkout_outbox SET status = 'processing', attempted_at = NOW()
WHERE id IN (
    SELECT id FROM checkout_outbox
    WHERE session_id = $1 AND status = 'pending'
    FOR UPDATE SKIP LOCKED
)
RETURNING `+outboxColumns, sessionID)
}

func (s *OutboxStore) claim(ctx context.Context, query string, arg any) ([]jobs.Entry, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (jobs.Entry, error) {
		var (
			e       jobs.Entry
			payload []byte
			status  string
		)
		err := row.Scan(&e.ID, &e.SessionID, &e.Kind, &payload, &status, &e.CreatedAt, &e.AttemptedAt, &e.LastError)
		e.Payload = payload
		e.Status = jobs.Status(status)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed outbox entries: %w", err)
	}
	return entries, nil
}

// MarkDelivered records a successful delivery.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE checkout_outbox SET status = 'delivered', last_error = NULL WHERE id = $1`, id)
	return err
}

// MarkFailed records a failed delivery. Failed entries are not retried.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE checkout_outbox SET status = 'failed', last_error = $2 WHERE id = $1`, id, reason)
	return err
}
