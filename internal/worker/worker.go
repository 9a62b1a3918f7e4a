package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/switchboard/internal/jobs"
	"github.com/dukerupert/switchboard/internal/telemetry"
)

// Outbox is the storage the worker drains.
type Outbox interface {
	ClaimPending(ctx context.Context, limit int) ([]jobs.Entry, error)
	ClaimPendingForSession(ctx context.Context, sessionID string) ([]jobs.Entry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// Processor delivers a single outbox entry.
type Processor interface {
	Process(ctx context.Context, e jobs.Entry) error
}

// SessionPurger removes sessions past their retention window.
type SessionPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Config holds worker configuration
type Config struct {
	// WorkerID uniquely identifies this worker instance
	WorkerID string

	// PollInterval is how often to check for pending entries
	PollInterval time.Duration

	// BatchSize is how many entries are claimed per poll
	BatchSize int

	// MaxConcurrency is the maximum number of entries delivered concurrently
	MaxConcurrency int

	// JobTimeout bounds a single delivery
	JobTimeout time.Duration

	// CleanupInterval is how often expired sessions are purged (0 disables)
	CleanupInterval time.Duration
}

// Drainer delivers the released entries of one session. The payment flow
// calls it right after an order is placed so notifications do not wait for
// the next poll.
type Drainer struct {
	outbox     Outbox
	processor  Processor
	jobTimeout time.Duration
	logger     *slog.Logger
}

// NewDrainer creates a drainer.
func NewDrainer(outbox Outbox, processor Processor, jobTimeout time.Duration, logger *slog.Logger) *Drainer {
	if jobTimeout == 0 {
		jobTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{outbox: outbox, processor: processor, jobTimeout: jobTimeout, logger: logger}
}

// DrainSession delivers every pending entry of sessionID once. Delivery
// failures are recorded on the entry, not returned.
func (d *Drainer) DrainSession(ctx context.Context, sessionID string) error {
	entries, err := d.outbox.ClaimPendingForSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to claim outbox for session: %w", err)
	}
	for _, e := range entries {
		d.deliver(ctx, e)
	}
	return nil
}

// deliver makes a single attempt. There are no retries: a failed entry is
// marked failed and logged for follow-up.
func (d *Drainer) deliver(ctx context.Context, e jobs.Entry) {
	jobCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	defer cancel()

	d.logger.Info("delivering outbox entry",
		"entry_id", e.ID,
		"kind", e.Kind,
		"session_id", e.SessionID,
	)

	// Record the outcome even if the caller's context is gone.
	markCtx := context.WithoutCancel(ctx)

	if err := d.processor.Process(jobCtx, e); err != nil {
		d.logger.Error("outbox delivery failed",
			"entry_id", e.ID,
			"kind", e.Kind,
			"session_id", e.SessionID,
			"error", err,
		)
		telemetry.CaptureSessionError(err, e.SessionID, map[string]interface{}{
			"entry_id": e.ID.String(),
			"kind":     e.Kind,
		})
		if markErr := d.outbox.MarkFailed(markCtx, e.ID, err.Error()); markErr != nil {
			d.logger.Error("failed to mark outbox entry failed", "entry_id", e.ID, "error", markErr)
		}
		recordDelivery(e.Kind, "failed")
		return
	}

	if err := d.outbox.MarkDelivered(markCtx, e.ID); err != nil {
		d.logger.Error("failed to mark outbox entry delivered", "entry_id", e.ID, "error", err)
	}
	recordDelivery(e.Kind, "delivered")
}

// Worker polls the outbox as a backstop for entries the landing-page drain
// never reached, and periodically purges expired sessions.
type Worker struct {
	config  Config
	drainer *Drainer
	purger  SessionPurger
	logger  *slog.Logger
}

// NewWorker creates a new outbox worker. purger may be nil.
func NewWorker(outbox Outbox, processor Processor, purger SessionPurger, config Config, logger *slog.Logger) *Worker {
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		config:  config,
		drainer: NewDrainer(outbox, processor, config.JobTimeout, logger),
		purger:  purger,
		logger:  logger,
	}
}

// Start processes entries until the context is cancelled, then waits for
// in-flight deliveries.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker starting",
		"worker_id", w.config.WorkerID,
		"poll_interval", w.config.PollInterval,
		"batch_size", w.config.BatchSize,
		"max_concurrency", w.config.MaxConcurrency,
	)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	var cleanup <-chan time.Time
	if w.purger != nil && w.config.CleanupInterval > 0 {
		t := time.NewTicker(w.config.CleanupInterval)
		defer t.Stop()
		cleanup = t.C
	}

	sem := make(chan struct{}, w.config.MaxConcurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down", "worker_id", w.config.WorkerID)
			wg.Wait()
			return ctx.Err()

		case <-ticker.C:
			w.poll(ctx, sem, &wg)

		case <-cleanup:
			w.purgeExpired(ctx)
		}
	}
}

// poll claims one batch and delivers it with bounded concurrency.
func (w *Worker) poll(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	entries, err := w.drainer.outbox.ClaimPending(ctx, w.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to claim outbox entries", "error", err)
		}
		return
	}

	for _, e := range entries {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Claimed but undelivered entries stay in processing.
			w.logger.Warn("shutdown with claimed outbox entry", "entry_id", e.ID)
			continue
		}
		wg.Add(1)
		go func(e jobs.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			w.drainer.deliver(ctx, e)
		}(e)
	}
}

func (w *Worker) purgeExpired(ctx context.Context) {
	n, err := w.purger.DeleteExpired(ctx, time.Now())
	if err != nil {
		w.logger.Error("failed to purge expired sessions", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("purged expired checkout sessions", "count", n)
	}
}

func recordDelivery(kind, outcome string) {
	if telemetry.Business != nil {
		telemetry.Business.OutboxDeliveries.WithLabelValues(kind, outcome).Inc()
	}
}
