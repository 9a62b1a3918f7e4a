package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/switchboard/internal"
	"github.com/dukerupert/switchboard/internal/billing"
	"github.com/dukerupert/switchboard/internal/jobs"
	"github.com/dukerupert/switchboard/internal/postgres"
	"github.com/dukerupert/switchboard/internal/resilience"
	"github.com/dukerupert/switchboard/internal/telemetry"
	"github.com/dukerupert/switchboard/internal/worker"
)

// The standalone worker delivers outbox entries and purges expired sessions
// for deployments that run the server with WORKER_ENABLED=false. It expects
// the server to have applied migrations.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	telemetry.InitBusinessMetrics("switchboard")

	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	stripeProvider, err := billing.NewStripeProvider(billing.StripeConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Currency:      cfg.Stripe.Currency,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize stripe: %w", err)
	}

	processor := jobs.Handlers{Billing: stripeProvider}
	if cfg.Notify.OrderWebhookURL != "" {
		client := resilience.NewBreakerClient("order-webhook", &http.Client{Timeout: cfg.Vendors.Timeout}, resilience.BreakerSettings{}, logger)
		processor.Webhook = jobs.NewWebhookNotifier(cfg.Notify.OrderWebhookURL, cfg.Notify.OrderWebhookSecret, client)
	}

	hostname, _ := os.Hostname()
	w := worker.NewWorker(postgres.NewOutboxStore(pool), processor, postgres.NewSessionStore(pool), worker.Config{
		WorkerID:        fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		PollInterval:    cfg.Worker.PollInterval,
		BatchSize:       cfg.Worker.BatchSize,
		MaxConcurrency:  cfg.Worker.MaxConcurrency,
		JobTimeout:      cfg.Worker.JobTimeout,
		CleanupInterval: cfg.Worker.CleanupInterval,
	}, logger)

	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker failed: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
