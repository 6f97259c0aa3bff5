// Package config defines the configuration for the subscription sync service.
// Configuration is loaded once at process initialization and is immutable
// thereafter. It follows 12-Factor principles by strictly separating code
// from configuration.
//
// Values are resolved from the OS environment, with a local .env file as a
// fallback. Any missing required value or invalid format fails startup
// immediately (fail fast).
package config

import (
	"time"

	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"subsync-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	Database      DatabaseConfig
	Billing       BillingConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// RequestTimeout bounds each delivery's handling. A webhook that cannot
	// commit within the deadline answers 500 so the provider retries.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds payment provider credentials and webhook settings.
// The webhook secret and tolerance are passed explicitly to the signature
// verifier rather than read from ambient process state, so tests can inject
// secrets.
type BillingConfig struct {
	APIKey        SecretString `envconfig:"BILLING_API_KEY" validate:"required"`
	WebhookSecret SecretString `envconfig:"BILLING_WEBHOOK_SECRET" validate:"required"`

	// SignatureTolerance is the replay window: payloads whose signed
	// timestamp is older than this relative to local time are rejected.
	SignatureTolerance time.Duration `envconfig:"BILLING_SIGNATURE_TOLERANCE" default:"5m"`

	// EventRetention is how long applied-event records are kept before the
	// janitor purges them. The provider does not redeliver indefinitely, so
	// records older than the retention window can no longer collide.
	EventRetention time.Duration `envconfig:"BILLING_EVENT_RETENTION" default:"720h"`
	PurgeInterval  time.Duration `envconfig:"BILLING_PURGE_INTERVAL" default:"1h"`

	// Provider API settings. BaseURL is overridable for tests.
	APIBaseURL         string `envconfig:"BILLING_API_BASE_URL"`
	CheckoutSuccessURL string `envconfig:"CHECKOUT_SUCCESS_URL" validate:"required,url"`
	CheckoutCancelURL  string `envconfig:"CHECKOUT_CANCEL_URL" validate:"required,url"`
	PortalReturnURL    string `envconfig:"PORTAL_RETURN_URL" validate:"required,url"`
}

// ObservabilityConfig holds metrics settings. Metrics are optional: with
// MetricsEnabled=false the service wires a no-op collector, which is the
// default for local development.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"SubSync"`
	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1"`
}
