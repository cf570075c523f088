package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/db"
	"billingsync/internal/external"
	"billingsync/internal/types"
)

// defaultRetention is how long archived payloads are kept.
const defaultRetention = 30 * 24 * time.Hour

const stripeHTTPTimeout = 20 * time.Second

var errDatabaseRequired = errors.New("DATABASE_URL is required for this task")

// database is the subset of *pgxpool.Pool the tasks use.
type database interface {
	db.DBTX
	Close()
}

// runtime holds the side-effecting constructors so tests can substitute them.
type runtime struct {
	loadDotenv func() error
	now        func() time.Time
	openDB     func(ctx context.Context, url string) (database, error)
	migrate    func(ctx context.Context, url string, logger *slog.Logger) error
	httpClient *http.Client
}

// opsConfig is the slice of configuration the CLI needs. Unlike cmd/api it
// does not require the webhook secret.
type opsConfig struct {
	Environment     string             `envconfig:"APP_ENV" default:"local"`
	DatabaseURL     types.SecretString `envconfig:"DATABASE_URL"`
	StripeSecretKey types.SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeAPIBase   string             `envconfig:"STRIPE_API_BASE" default:"https://api.stripe.com" validate:"url"`
	PlansJSON       string             `envconfig:"BILLING_PLANS_JSON" validate:"omitempty,json"`
	PlansFile       string             `envconfig:"BILLING_PLANS_FILE"`
}

func loadOpsConfig(rt runtime) (*opsConfig, error) {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		provider = config.NewSSMProvider(region, os.Getenv("AWS_ENDPOINT_URL"))
	}
	if err := config.ResolveSecrets(provider); err != nil {
		return nil, err
	}

	var cfg opsConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &config.ConfigError{Type: config.ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, &config.ConfigError{Type: config.ErrValidation, Message: "configuration validation failed", Err: err}
	}
	return &cfg, nil
}

type taskOptions struct {
	DryRun    bool
	Retention time.Duration
	Now       time.Time
}

type task struct {
	description string
	run         func(ctx context.Context, cfg *opsConfig, opts taskOptions, rt runtime, logger *slog.Logger, out io.Writer) error
}

// tasks is the exhaustive set of --task values.
var tasks = map[string]task{
	"sync-plans": {
		description: "Create missing Stripe products and prices for the configured plans",
		run:         runSyncPlans,
	},
	"list-plans": {
		description: "Print the active plans and prices as seen by Stripe",
		run:         runListPlans,
	},
	"purge-events": {
		description: "Delete expired processed-event records and old archived payloads",
		run:         runPurgeEvents,
	},
	"reset-mappings": {
		description: "Forget cached product/price mappings so the next sync searches Stripe again",
		run:         runResetMappings,
	},
	"migrate": {
		description: "Apply pending database migrations",
		run:         runMigrate,
	},
}

func printAvailableTasks(w io.Writer) {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "Available tasks:\n")
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, tasks[name].description)
	}
}

func runSyncPlans(ctx context.Context, cfg *opsConfig, opts taskOptions, rt runtime, logger *slog.Logger, out io.Writer) error {
	plans, err := config.LoadPlans(config.BillingConfig{PlansJSON: cfg.PlansJSON, PlansFile: cfg.PlansFile})
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		return errors.New("no plans configured; set BILLING_PLANS_JSON or BILLING_PLANS_FILE")
	}

	if opts.DryRun {
		return writeJSON(out, map[string]any{"dryRun": true, "plans": plans})
	}

	client, err := stripeClient(cfg, rt, logger)
	if err != nil {
		return err
	}

	var syncOpts []billing.Option
	if !cfg.DatabaseURL.IsZero() {
		conn, err := rt.openDB(ctx, cfg.DatabaseURL.Unmask())
		if err != nil {
			return err
		}
		defer conn.Close()
		syncOpts = append(syncOpts, billing.WithMappingStore(db.NewPlanMappingRepo(conn)))
	}

	result, err := billing.NewSynchronizer(client, logger, syncOpts...).SyncPlans(ctx, plans)
	if err != nil {
		return err
	}
	return writeJSON(out, result)
}

func runListPlans(ctx context.Context, cfg *opsConfig, _ taskOptions, rt runtime, logger *slog.Logger, out io.Writer) error {
	client, err := stripeClient(cfg, rt, logger)
	if err != nil {
		return err
	}
	plans, err := billing.NewSynchronizer(client, logger).GetActivePlans(ctx)
	if err != nil {
		return err
	}
	if plans == nil {
		plans = []types.ActivePlan{}
	}
	return writeJSON(out, plans)
}

func runPurgeEvents(ctx context.Context, cfg *opsConfig, opts taskOptions, rt runtime, logger *slog.Logger, out io.Writer) error {
	if cfg.DatabaseURL.IsZero() {
		return errDatabaseRequired
	}
	payloadCutoff := opts.Now.Add(-opts.Retention)

	if opts.DryRun {
		return writeJSON(out, map[string]any{
			"dryRun":               true,
			"processedEventsUntil": opts.Now,
			"payloadsBefore":       payloadCutoff,
		})
	}

	conn, err := rt.openDB(ctx, cfg.DatabaseURL.Unmask())
	if err != nil {
		return err
	}
	defer conn.Close()

	clock := types.FixedClock{T: opts.Now}
	processed, err := db.NewProcessedEventStore(conn, &clock).PurgeExpired(ctx, opts.Now)
	if err != nil {
		return fmt.Errorf("purge processed events: %w", err)
	}

	eventLog, err := db.NewEventLogRepo(conn, &clock)
	if err != nil {
		return err
	}
	payloads, err := eventLog.PurgeBefore(ctx, payloadCutoff)
	if err != nil {
		return fmt.Errorf("purge event log: %w", err)
	}

	logger.InfoContext(ctx, "events purged",
		"processed_events", processed,
		"payloads", payloads,
		"payload_cutoff", payloadCutoff,
	)
	return writeJSON(out, map[string]int64{"processedEvents": processed, "payloads": payloads})
}

func runResetMappings(ctx context.Context, cfg *opsConfig, opts taskOptions, rt runtime, _ *slog.Logger, out io.Writer) error {
	if cfg.DatabaseURL.IsZero() {
		return errDatabaseRequired
	}
	if opts.DryRun {
		return writeJSON(out, map[string]any{"dryRun": true, "action": "delete all plan mappings"})
	}

	conn, err := rt.openDB(ctx, cfg.DatabaseURL.Unmask())
	if err != nil {
		return err
	}
	defer conn.Close()

	deleted, err := db.NewPlanMappingRepo(conn).DeletePlanMappings(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]int64{"deleted": deleted})
}

func runMigrate(ctx context.Context, cfg *opsConfig, opts taskOptions, rt runtime, logger *slog.Logger, out io.Writer) error {
	if cfg.DatabaseURL.IsZero() {
		return errDatabaseRequired
	}
	if opts.DryRun {
		return writeJSON(out, map[string]any{"dryRun": true, "action": "apply pending migrations"})
	}
	if err := rt.migrate(ctx, cfg.DatabaseURL.Unmask(), logger); err != nil {
		return err
	}
	return writeJSON(out, map[string]bool{"migrated": true})
}

func stripeClient(cfg *opsConfig, rt runtime, logger *slog.Logger) (*external.StripeClient, error) {
	if cfg.StripeSecretKey.IsZero() {
		return nil, errors.New("STRIPE_SECRET_KEY is required for this task")
	}
	httpClient := rt.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: stripeHTTPTimeout}
	}
	return external.NewStripeClient(httpClient, external.StripeClientConfig{
		SecretKey: cfg.StripeSecretKey,
		BaseURL:   cfg.StripeAPIBase,
		Logger:    logger,
	}), nil
}

func openDatabase(ctx context.Context, url string) (database, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: url, MaxConns: 2, AcquireTimeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func migrateDatabase(ctx context.Context, url string, logger *slog.Logger) error {
	return db.Migrate(ctx, url, logger)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
