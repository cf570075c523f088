// Package config defines the process configuration for billingsync.
//
// Configuration is read once at startup and treated as immutable. Values
// resolve through the chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid combination is returned as a
// *ConfigError and the binaries exit before serving traffic.
package config

import (
	"time"

	"billingsync/internal/types"
)

// SecretString is an alias for types.SecretString so call sites can stay
// within this package when declaring secret fields.
type SecretString = types.SecretString

// Idempotency backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Metrics backends.
const (
	MetricsPrometheus = "prometheus"
	MetricsCloudWatch = "cloudwatch"
	MetricsNone       = "none"
)

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"billingsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Idempotency   IdempotencyConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	// LambdaMode serves the router behind a Lambda Function URL instead of a
	// TCP listener. Forced on when AWS_LAMBDA_FUNCTION_NAME is present.
	LambdaMode bool `envconfig:"LAMBDA_MODE" default:"false"`
}

// DatabaseConfig holds connection and pool tuning parameters. The database is
// optional: without a URL the service runs with log-only handlers.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	MigrateOnStart    bool          `envconfig:"DB_MIGRATE_ON_START" default:"false"`
	StoreRawPayloads  bool          `envconfig:"DB_STORE_RAW_PAYLOADS" default:"false"`
}

// Enabled reports whether a database URL was configured.
func (d DatabaseConfig) Enabled() bool { return !d.URL.IsZero() }

// RedisConfig configures the shared idempotency backend.
type RedisConfig struct {
	URL       SecretString `envconfig:"REDIS_URL"`
	KeyPrefix string       `envconfig:"REDIS_KEY_PREFIX" default:"billingsync:event:"`
}

// Enabled reports whether a Redis URL was configured.
func (r RedisConfig) Enabled() bool { return !r.URL.IsZero() }

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Empty disables notification publishing.
	BillingEventsQueueURL string `envconfig:"SQS_BILLING_EVENTS" validate:"omitempty,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe credentials, webhook verification settings and
// the declarative plan catalog source.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeAPIBase       string        `envconfig:"STRIPE_API_BASE" default:"https://api.stripe.com" validate:"url"`
	WebhookTolerance    time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
	MaxWebhookBytes     int64         `envconfig:"STRIPE_WEBHOOK_MAX_BYTES" default:"65536" validate:"gt=0"`

	// Plans come from an inline JSON array or a file path; inline wins.
	PlansJSON string `envconfig:"BILLING_PLANS_JSON" validate:"omitempty,json"`
	PlansFile string `envconfig:"BILLING_PLANS_FILE"`

	VerifyOnStartup bool `envconfig:"BILLING_VERIFY_ON_STARTUP" default:"true"`
	SyncOnStartup   bool `envconfig:"BILLING_SYNC_ON_STARTUP" default:"true"`
}

// IdempotencyConfig selects and tunes the processed-event store.
type IdempotencyConfig struct {
	Backend     string        `envconfig:"IDEMPOTENCY_BACKEND" default:"memory" validate:"oneof=memory redis postgres"`
	TTL         time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h" validate:"gt=0"`
	InFlightTTL time.Duration `envconfig:"IDEMPOTENCY_IN_FLIGHT_TTL" default:"5m" validate:"gt=0"`
}

// SecurityConfig holds CORS settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BillingSync"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a value could not be parsed into its target type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrPlans indicates the plan catalog could not be read or validated.
	ErrPlans ConfigErrorType = "PLANS_INVALID"
)
