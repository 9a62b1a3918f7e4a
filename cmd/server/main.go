package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/switchboard/internal"
	"github.com/dukerupert/switchboard/internal/address"
	"github.com/dukerupert/switchboard/internal/billing"
	"github.com/dukerupert/switchboard/internal/contact"
	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/events"
	"github.com/dukerupert/switchboard/internal/handler"
	"github.com/dukerupert/switchboard/internal/handler/checkout"
	"github.com/dukerupert/switchboard/internal/handler/webhook"
	"github.com/dukerupert/switchboard/internal/jobs"
	"github.com/dukerupert/switchboard/internal/lock"
	"github.com/dukerupert/switchboard/internal/middleware"
	"github.com/dukerupert/switchboard/internal/numbers"
	"github.com/dukerupert/switchboard/internal/postgres"
	"github.com/dukerupert/switchboard/internal/pricing"
	"github.com/dukerupert/switchboard/internal/resilience"
	"github.com/dukerupert/switchboard/internal/router"
	"github.com/dukerupert/switchboard/internal/routes"
	"github.com/dukerupert/switchboard/internal/service"
	"github.com/dukerupert/switchboard/internal/tax"
	"github.com/dukerupert/switchboard/internal/telemetry"
	"github.com/dukerupert/switchboard/internal/wizard"
	"github.com/dukerupert/switchboard/internal/worker"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	flushSentry, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:              cfg.Sentry.DSN,
		Enabled:          cfg.Sentry.Enabled,
		Environment:      cfg.Sentry.Environment,
		Release:          cfg.Sentry.Release,
		SampleRate:       cfg.Sentry.SampleRate,
		TracesSampleRate: cfg.Sentry.TracesSampleRate,
		Debug:            cfg.Sentry.Debug,
	}, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer flushSentry()

	telemetry.InitBusinessMetrics("switchboard")

	// Migrations run over database/sql; the application uses pgxpool.
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(ctx, sqlDB, logger); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	sessions := postgres.NewSessionStore(pool)
	outbox := postgres.NewOutboxStore(pool)

	health := map[string]handler.HealthCheck{"postgres": pool.Ping}

	// Redis is optional. Without it locks and tax quotes stay in process,
	// which is only correct for a single instance.
	var (
		locker      lock.Locker = lock.NewLocalLocker()
		quoteShared tax.QuoteStore
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		locker = lock.NewRedisLocker(rdb)
		quoteShared = tax.NewRedisQuoteStore(rdb, "switchboard:taxquote:")
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("Redis connected")
	} else {
		logger.Warn("REDIS_URL not set, using in-process locks and tax cache")
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, "switchboard")
		if err != nil {
			return fmt.Errorf("nats connection failed: %w", err)
		}
		defer nc.Drain()
		publisher = events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, logger)
	}

	stripeProvider, err := billing.NewStripeProvider(billing.StripeConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Currency:      cfg.Stripe.Currency,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize stripe: %w", err)
	}

	// Every vendor gets its own breaker so one outage does not trip the others.
	vendorClient := func(name string) resilience.Doer {
		return resilience.NewBreakerClient(name, &http.Client{Timeout: cfg.Vendors.Timeout}, resilience.BreakerSettings{}, logger)
	}

	var taxProvider tax.Provider
	if cfg.Tax.URL != "" {
		taxProvider = tax.NewHTTPProvider(cfg.Tax.URL, cfg.Tax.APIKey, vendorClient("tax"))
	} else {
		logger.Warn("TAX_API_URL not set, using mock tax provider")
		taxProvider = tax.NewMockProvider()
	}
	var estimateRate decimal.Decimal
	if cfg.Tax.EstimateRate != "" {
		if estimateRate, err = decimal.NewFromString(cfg.Tax.EstimateRate); err != nil {
			return fmt.Errorf("invalid TAX_ESTIMATE_RATE: %w", err)
		}
	}
	taxes := tax.NewCache(taxProvider, tax.CacheConfig{
		FallbackPostalCode: cfg.Tax.FallbackPostalCode,
		EstimateRate:       estimateRate,
		Shared:             quoteShared,
	}, logger)

	var (
		addresses    address.Validator = address.NewBasicValidator()
		autocomplete address.Autocompleter
	)
	if cfg.Vendors.Address.URL != "" {
		remote := address.NewHTTPClient(cfg.Vendors.Address.URL, cfg.Vendors.Address.APIKey, vendorClient("address"))
		addresses = address.NewFailOpenValidator(remote, logger)
		autocomplete = address.NewFailOpenAutocompleter(remote, logger)
	}

	var emailRemote contact.EmailVerifier
	if cfg.Vendors.Email.URL != "" {
		emailRemote = contact.NewHTTPEmailVerifier(cfg.Vendors.Email.URL, cfg.Vendors.Email.APIKey, vendorClient("email"))
	}

	var numberProvider numbers.Provider
	if cfg.Vendors.Numbers.URL != "" {
		numberProvider = numbers.NewHTTPProvider(cfg.Vendors.Numbers.URL, cfg.Vendors.Numbers.APIKey, vendorClient("numbers"))
	} else {
		logger.Warn("NUMBERS_API_URL not set, using mock number provider")
		numberProvider = numbers.NewMockProvider()
	}

	// Outbox delivery
	processor := jobs.Handlers{Billing: stripeProvider}
	if cfg.Notify.OrderWebhookURL != "" {
		processor.Webhook = jobs.NewWebhookNotifier(cfg.Notify.OrderWebhookURL, cfg.Notify.OrderWebhookSecret, vendorClient("order-webhook"))
	}
	drainer := worker.NewDrainer(outbox, processor, cfg.Worker.JobTimeout, logger)

	workerDone := make(chan struct{})
	if cfg.Worker.Enabled {
		hostname, _ := os.Hostname()
		w := worker.NewWorker(outbox, processor, sessions, worker.Config{
			WorkerID:        fmt.Sprintf("%s-%d", hostname, os.Getpid()),
			PollInterval:    cfg.Worker.PollInterval,
			BatchSize:       cfg.Worker.BatchSize,
			MaxConcurrency:  cfg.Worker.MaxConcurrency,
			JobTimeout:      cfg.Worker.JobTimeout,
			CleanupInterval: cfg.Worker.CleanupInterval,
		}, logger)
		go func() {
			defer close(workerDone)
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker stopped", "error", err)
			}
		}()
	} else {
		close(workerDone)
	}

	payments := service.NewPaymentSynchronizer(stripeProvider, sessions, outbox, drainer, publisher, service.PaymentSyncConfig{
		Currency:  cfg.Stripe.Currency,
		ReturnURL: cfg.BaseURL + "/checkout/return",
	}, logger)

	checkoutService := service.NewCheckoutService(service.Deps{
		Store:        sessions,
		Locker:       locker,
		Calculator:   pricing.NewCalculator(pricing.DefaultCatalog(), cfg.Pricing.PromotionsEnabled),
		Taxes:        taxes,
		Wizard:       wizard.New(),
		Payments:     payments,
		Addresses:    addresses,
		Autocomplete: autocomplete,
		Emails:       contact.NewEmailValidator(emailRemote, logger),
		Numbers:      numberProvider,
		Events:       publisher,
		NewID:        postgres.NewSessionID,
	}, logger)

	stripeWebhook := webhook.NewStripeHandler(stripeProvider, checkoutService, webhook.StripeWebhookConfig{
		WebhookSecret: cfg.Stripe.WebhookSecret,
	}, logger)

	metrics := middleware.NewMetrics("switchboard", nil)

	securityConfig := middleware.DefaultSecurityHeadersConfig()
	if cfg.Env == "prod" {
		securityConfig.HSTSMaxAge = 31536000
		securityConfig.HSTSIncludeSubdomains = true
	}

	// Route-level middleware runs after the mux matched, so it sees the
	// route pattern and path values.
	r := router.New(
		metrics.Middleware,
		middleware.WithSession,
		router.Logger(logger),
		telemetry.SentryContextMiddleware(func(r *http.Request) string {
			return domain.SessionIDFromContext(r.Context())
		}),
	)
	r.Use(
		middleware.Recover,
		middleware.RequestID,
		middleware.WithClientIP(),
		middleware.WithRequestLogger(logger),
		telemetry.SentryMiddleware(),
		router.CORS(router.CORSConfig{AllowedOrigins: cfg.CORSOrigins}),
		middleware.SecurityHeaders(securityConfig),
	)

	routes.RegisterCheckoutRoutes(r, routes.CheckoutDeps{
		Handler:      checkout.NewHandler(checkoutService, "/checkout"),
		SessionLimit: middleware.DefaultRateLimiterConfig(),
		LookupLimit: middleware.RateLimiterConfig{
			RequestsPerSecond: 2,
			BurstSize:         10,
			IdleTTL:           5 * time.Minute,
		},
	})
	routes.RegisterWebhookRoutes(r, routes.WebhookDeps{StripeHandler: stripeWebhook.HandleWebhook})
	routes.RegisterOpsRoutes(r, routes.OpsDeps{
		Health:  handler.Health(health),
		Metrics: metrics.Handler(),
	})
	if cfg.StaticDir != "" {
		r.Static("/static/", os.DirFS(cfg.StaticDir))
	}
	r.NotFound(handler.NotFoundResponse)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", srv.Addr, "env", cfg.Env)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), middleware.PaymentTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	stop()
	<-workerDone

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
