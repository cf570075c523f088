package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error returned by LoadConfig and LoadPlans.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: STRIPE_SECRET_KEY_SSM_PARAM holds
// the SSM path whose value becomes STRIPE_SECRET_KEY.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// ssmTimeout bounds the batch secret fetch during startup.
const ssmTimeout = 30 * time.Second

type envLookup func(key string) (string, bool)

type envSet func(key, value string) error

type environ func() []string

// loaderDeps lets tests drive the loader without touching process state.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	environ   environ
	dotenv    func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		dotenv:    func() error { return godotenv.Load() },
	}
}

// LoadConfig loads, resolves and validates the configuration.
//
// Steps: force UTC, load .env (absent is fine), resolve *_SSM_PARAM pointers
// outside APP_ENV=local, process envconfig tags, attach build info, then run
// struct and cross-field validation.
//
// provider may be nil for local development.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv never overrides variables that are already set.
	if deps.dotenv != nil {
		_ = deps.dotenv()
	}

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if _, ok := deps.lookupEnv("AWS_LAMBDA_FUNCTION_NAME"); ok {
		cfg.Server.LambdaMode = true
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if err := validateCrossFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateCrossFields enforces rules that span sections and cannot be
// expressed as single-field tags.
func validateCrossFields(cfg *Config) error {
	switch cfg.Idempotency.Backend {
	case BackendRedis:
		if !cfg.Redis.Enabled() {
			return &ConfigError{
				Type:    ErrMissingEnv,
				Message: "REDIS_URL is required when IDEMPOTENCY_BACKEND=redis",
			}
		}
	case BackendPostgres:
		if !cfg.Database.Enabled() {
			return &ConfigError{
				Type:    ErrMissingEnv,
				Message: "DATABASE_URL is required when IDEMPOTENCY_BACKEND=postgres",
			}
		}
	}

	if cfg.Idempotency.InFlightTTL > cfg.Idempotency.TTL {
		return &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("IDEMPOTENCY_IN_FLIGHT_TTL (%s) must not exceed IDEMPOTENCY_TTL (%s)", cfg.Idempotency.InFlightTTL, cfg.Idempotency.TTL),
		}
	}

	// A single long-lived process is correct with the memory store; Lambda
	// fan-out is not.
	if cfg.Server.LambdaMode && cfg.Idempotency.Backend == BackendMemory && cfg.Environment != localEnv {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "IDEMPOTENCY_BACKEND=memory cannot deduplicate across Lambda instances; use redis or postgres",
		}
	}
	return nil
}

// ResolveSecrets runs only the SSM resolution step. cmd/billing-ops calls it
// before reading individual variables. No-op when APP_ENV=local.
func ResolveSecrets(provider SecretProvider) error {
	appEnv, _ := os.LookupEnv("APP_ENV")
	if appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams fetches every *_SSM_PARAM pointer whose target variable is
// not already set and injects the values into the environment.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)
	var paths, targets []string

	for _, entry := range deps.environ() {
		key, ssmPath, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		if ssmPath == "" {
			continue
		}
		pathToTarget[ssmPath] = target
		paths = append(paths, ssmPath)
		targets = append(targets, target)
	}

	if len(paths) == 0 {
		return nil
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, p := range paths {
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, pathToTarget[p])
			continue
		}
		if err := deps.setEnv(pathToTarget[p], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", pathToTarget[p]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
