package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"billingsync/internal/api/handlers"
	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/core"
	"billingsync/internal/db"
	"billingsync/internal/external"
	"billingsync/internal/idempotency"
	"billingsync/internal/queue"
	"billingsync/internal/telemetry"
	"billingsync/internal/types"
	"billingsync/internal/webhook"
)

// stripeHTTPTimeout bounds a single Stripe API attempt.
const stripeHTTPTimeout = 20 * time.Second

// startupTimeout bounds connectivity checks and the startup plan sync.
const startupTimeout = 2 * time.Minute

// awsClients are the AWS service clients the API may need.
type awsClients struct {
	SQS        queue.SQSSender
	CloudWatch telemetry.CloudWatchClient
}

// deps holds the constructors newApp uses for external resources, so tests
// can run the full wiring against fakes.
type deps struct {
	newPool    func(ctx context.Context, cfg db.PoolConfig) (*pgxpool.Pool, error)
	migrate    func(ctx context.Context, databaseURL string, logger *slog.Logger) error
	newRedis   func(url string) (*redis.Client, error)
	awsClients func(ctx context.Context, cfg config.AWSConfig) (*awsClients, error)
	httpClient *http.Client
	clock      types.Clock
}

func defaultDeps() deps {
	return deps{
		newPool:    db.NewPool,
		migrate:    db.Migrate,
		newRedis:   newRedisClient,
		awsClients: loadAWSClients,
		httpClient: &http.Client{Timeout: stripeHTTPTimeout},
		clock:      types.RealClock{},
	}
}

// app is the wired API process.
type app struct {
	server       *core.Server
	synchronizer *billing.Synchronizer
	dispatcher   *webhook.Dispatcher
	cloudwatch   *telemetry.CloudWatchCollector
}

// newApp builds every component in startup order. An error from any step,
// including plan synchronization, aborts startup; resources opened before the
// failure are released.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, d deps) (a *app, err error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	defer func() {
		if err != nil {
			_ = srv.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	// Storage.
	var pool *pgxpool.Pool
	if cfg.Database.Enabled() {
		pool, err = openDatabase(startCtx, cfg.Database, logger, d)
		if err != nil {
			return nil, err
		}
		srv.OnShutdown(func(context.Context) error { pool.Close(); return nil })
		srv.HealthProbes = append(srv.HealthProbes, db.PoolProbe{Pool: pool})
	}

	var redisStore *idempotency.RedisStore
	if cfg.Redis.Enabled() {
		client, err := d.newRedis(cfg.Redis.URL.Unmask())
		if err != nil {
			return nil, fmt.Errorf("creating redis client: %w", err)
		}
		srv.OnShutdown(func(context.Context) error { return client.Close() })
		redisStore = idempotency.NewRedisStore(client, cfg.Redis.KeyPrefix)
		srv.HealthProbes = append(srv.HealthProbes, redisProbe{store: redisStore})
	}

	store, err := selectStore(cfg.Idempotency.Backend, pool, redisStore, d.clock)
	if err != nil {
		return nil, err
	}

	// AWS.
	var clients *awsClients
	if cfg.AWS.BillingEventsQueueURL != "" || cfg.Observability.MetricsBackend == config.MetricsCloudWatch {
		clients, err = d.awsClients(startCtx, cfg.AWS)
		if err != nil {
			return nil, fmt.Errorf("loading AWS clients: %w", err)
		}
	}

	// Metrics.
	a = &app{server: srv}
	var eventMetrics webhook.Metrics
	switch cfg.Observability.MetricsBackend {
	case config.MetricsPrometheus:
		prom := telemetry.NewPrometheusCollector()
		srv.Metrics = prom
		srv.MetricsHandler = prom.Handler()
		eventMetrics = prom
	case config.MetricsCloudWatch:
		cw := telemetry.NewCloudWatchCollector(clients.CloudWatch, cfg.Observability.MetricNamespace, logger)
		srv.Metrics = cw
		eventMetrics = cw
		a.cloudwatch = cw
		srv.OnShutdown(cw.Flush)
	}

	// Stripe.
	stripeClient := external.NewStripeClient(d.httpClient, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   cfg.Billing.StripeAPIBase,
		Logger:    logger,
	})
	srv.HealthProbes = append(srv.HealthProbes, stripeClient)

	if cfg.Billing.VerifyOnStartup {
		if err := stripeClient.RetrieveBalance(startCtx); err != nil {
			return nil, fmt.Errorf("verifying stripe connection: %w", err)
		}
	}

	// Plans.
	plans, err := config.LoadPlans(cfg.Billing)
	if err != nil {
		return nil, fmt.Errorf("loading plans: %w", err)
	}

	var syncOpts []billing.Option
	if pool != nil {
		syncOpts = append(syncOpts, billing.WithMappingStore(db.NewPlanMappingRepo(pool)))
	}
	a.synchronizer = billing.NewSynchronizer(stripeClient, logger, syncOpts...)

	if cfg.Billing.SyncOnStartup && len(plans) > 0 {
		result, err := a.synchronizer.SyncPlans(startCtx, plans)
		if err != nil {
			return nil, fmt.Errorf("synchronizing plans: %w", err)
		}
		logger.Info("plans synchronized",
			"created", result.Created,
			"updated", result.Updated,
			"unchanged", result.Unchanged,
		)
	}

	// Webhooks.
	var publisher webhook.Publisher
	if cfg.AWS.BillingEventsQueueURL != "" {
		publisher = queue.NewSQSPublisher(clients.SQS, cfg.AWS.BillingEventsQueueURL, logger)
	}

	var eventHandlers webhook.Handlers = webhook.LoggingHandlers{Logger: logger}
	var archive webhook.Archive
	if pool != nil {
		eventHandlers = webhook.NewReconciler(db.NewBillingStateRepo(pool, logger), publisher, logger)
		if cfg.Database.StoreRawPayloads {
			eventLog, err := db.NewEventLogRepo(pool, d.clock)
			if err != nil {
				return nil, fmt.Errorf("creating event log: %w", err)
			}
			archive = eventLog
		}
	} else {
		logger.Warn("no database configured, webhook events are logged only")
	}

	a.dispatcher = webhook.NewDispatcher(store, eventHandlers, logger, webhook.DispatcherConfig{
		TTL:         cfg.Idempotency.TTL,
		InFlightTTL: cfg.Idempotency.InFlightTTL,
		Metrics:     eventMetrics,
		Archive:     archive,
	})

	// HTTP.
	webhookHandler := handlers.NewStripeWebhookHandler(
		webhook.NewVerifier(cfg.Billing.WebhookTolerance),
		a.dispatcher,
		cfg.Billing.StripeWebhookSecret,
		cfg.Billing.MaxWebhookBytes,
		logger,
	)
	plansHandler := handlers.NewPlansHandler(a.synchronizer, logger)

	srv.RootRouteRegistrars = append(srv.RootRouteRegistrars, webhookHandler.RegisterRoutes)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, plansHandler.RegisterRoutes)
	srv.MountRoutes()

	return a, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger, d deps) (*pgxpool.Pool, error) {
	if cfg.MigrateOnStart {
		if err := d.migrate(ctx, cfg.URL.Unmask(), logger); err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}
	pool, err := d.newPool(ctx, db.PoolConfig{
		URL:               cfg.URL.Unmask(),
		MaxConns:          int32(cfg.MaxConns),
		MinConns:          int32(cfg.MinConns),
		MaxConnLifetime:   cfg.MaxConnLifetime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
		AcquireTimeout:    cfg.AcquireTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}

// selectStore maps the configured backend to a store. Config validation
// guarantees the backing connection exists.
func selectStore(backend string, pool *pgxpool.Pool, redisStore *idempotency.RedisStore, clock types.Clock) (idempotency.Store, error) {
	switch backend {
	case config.BackendRedis:
		if redisStore == nil {
			return nil, fmt.Errorf("idempotency backend %q requires REDIS_URL", backend)
		}
		return redisStore, nil
	case config.BackendPostgres:
		if pool == nil {
			return nil, fmt.Errorf("idempotency backend %q requires DATABASE_URL", backend)
		}
		return db.NewProcessedEventStore(pool, clock), nil
	default:
		return idempotency.NewMemoryStore(clock), nil
	}
}

func newRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func loadAWSClients(ctx context.Context, cfg config.AWSConfig) (*awsClients, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS SDK config (region=%s): %w", cfg.Region, err)
	}

	return &awsClients{
		SQS: sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}
		}),
		CloudWatch: cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}
		}),
	}, nil
}

// redisProbe reports Redis reachability on /health.
type redisProbe struct {
	store *idempotency.RedisStore
}

func (p redisProbe) Name() string { return "redis" }

func (p redisProbe) Check(ctx context.Context) error { return p.store.Ping(ctx) }
