// Package config defines the service configuration. Configuration is loaded
// once at process start and immutable thereafter, following 12-Factor
// principles: values come from the environment, optionally seeded by a .env
// file for local development.
package config

import (
	"encoding/json"
	"fmt"

	"billingsync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server       ServerConfig
	Database     DatabaseConfig
	RouterLimits RouterLimitsConfig
	Stripe       StripeConfig
	API          APIConfig
	Plans        PlansConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// DatabaseConfig holds the account mapping store connection. URL is optional:
// when empty the service falls back to the in-memory directory, which is only
// suitable for local development.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`
}

// RouterLimitsConfig holds account-provider credentials and webhook settings.
type RouterLimitsConfig struct {
	// APIBase is the provider REST endpoint, no trailing slash.
	APIBase string `envconfig:"ROUTER_LIMITS_API_BASE" validate:"required,url"`

	// APIKey authenticates outbound provider calls.
	APIKey SecretString `envconfig:"ROUTER_LIMITS_API_KEY" validate:"required"`

	// OrganizationID is the organization new accounts are created under.
	OrganizationID string `envconfig:"ROUTER_LIMITS_ORG_ID" validate:"required"`

	// SharedSecret signs inbound provider webhooks (HMAC-SHA256 of the raw
	// body).
	SharedSecret SecretString `envconfig:"ROUTER_LIMITS_SHARED_SECRET" validate:"required"`

	// JWTSecret verifies SSO tokens presented to the authenticate endpoint.
	JWTSecret SecretString `envconfig:"ROUTER_LIMITS_JWT_SECRET" validate:"required"`

	// WebhookValidInterval bounds accepted webhook timestamp skew and the
	// delivery dedup window, in seconds.
	WebhookValidInterval int64 `envconfig:"ROUTER_LIMITS_WEBHOOK_VALID_INTERVAL" default:"300" validate:"gt=0"`

	// JWTValidInterval bounds accepted SSO token age and the nonce replay
	// window, in seconds.
	JWTValidInterval int64 `envconfig:"ROUTER_LIMITS_JWT_VALID_INTERVAL" default:"120" validate:"gt=0"`
}

// StripeConfig holds billing-provider credentials and webhook settings.
type StripeConfig struct {
	SecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	WebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	// APIBase overrides the billing API endpoint. Empty means the production
	// endpoint; tests point it at a local server.
	APIBase string `envconfig:"STRIPE_API_BASE"`

	// WebhookValidInterval bounds accepted webhook timestamp skew and the
	// delivery dedup window, in seconds.
	WebhookValidInterval int64 `envconfig:"STRIPE_WEBHOOK_VALID_INTERVAL" default:"300" validate:"gt=0"`
}

// APIConfig holds first-party API settings.
type APIConfig struct {
	// AllowedOrigins is the CORS allowlist. "*" allows any origin.
	AllowedOrigins []string `envconfig:"API_ALLOWED_ORIGINS" default:"*"`

	// APIKeyTTL is the lifetime of issued API keys, in seconds.
	APIKeyTTL int64 `envconfig:"API_KEY_TTL" default:"86400" validate:"gt=0"`
}

// PlansConfig carries the plan directory as a JSON document. The mapping is
// static per deployment, so it ships as configuration rather than data.
type PlansConfig struct {
	JSON string `envconfig:"PLANS_JSON" validate:"required"`
}

// Mappings parses the configured plan JSON.
func (p PlansConfig) Mappings() ([]types.PlanMapping, error) {
	var mappings []types.PlanMapping
	if err := json.Unmarshal([]byte(p.JSON), &mappings); err != nil {
		return nil, fmt.Errorf("parsing PLANS_JSON: %w", err)
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("PLANS_JSON must define at least one plan")
	}
	return mappings, nil
}
