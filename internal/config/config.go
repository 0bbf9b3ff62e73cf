// Package config provides configuration loading using koanf.
// Precedence: env → AWS SDK → compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/glowdesk/salon-platform/internal/domain"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// Service configuration
	AuthSvc AuthSvcConfig `koanf:"authsvc"`

	// OTP challenge configuration
	OTP OTPConfig `koanf:"otp"`

	// Token lifetimes, per surface
	Tokens TokensConfig `koanf:"tokens"`

	// Admin surface allow-list
	Admin AdminConfig `koanf:"admin"`

	// SMS delivery configuration
	SMS SMSConfig `koanf:"sms"`

	// Infrastructure configurations
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Redis    RedisConfig    `koanf:"redis"`
	AWS      AWSConfig      `koanf:"aws"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// AuthSvcConfig holds auth service configuration.
type AuthSvcConfig struct {
	HTTPPort int `koanf:"http_port"`

	// Issuer and Audience are stamped into minted access tokens.
	Issuer   string `koanf:"issuer"`
	Audience string `koanf:"audience"`
}

// OTPConfig holds OTP challenge parameters.
type OTPConfig struct {
	// TTL is how long a challenge stays verifiable after (re)issue.
	TTL time.Duration `koanf:"ttl"`

	// MaxAttempts is the number of failed verifications before a
	// challenge is locked.
	MaxAttempts int `koanf:"max_attempts"`

	// MaxResends is the number of reissues allowed per challenge.
	MaxResends int `koanf:"max_resends"`

	// Pepper is the server-side HMAC key for OTP digests.
	// Required outside local. Never logged.
	Pepper domain.SecretString `koanf:"pepper"`
}

// TokensConfig holds per-surface token lifetimes.
type TokensConfig struct {
	Admin    SurfaceTokenConfig `koanf:"admin"`
	Owner    SurfaceTokenConfig `koanf:"owner"`
	Employee SurfaceTokenConfig `koanf:"employee"`
}

// SurfaceTokenConfig holds the token lifetimes for a single surface.
type SurfaceTokenConfig struct {
	AccessTTL  time.Duration `koanf:"access_ttl"`
	RefreshTTL time.Duration `koanf:"refresh_ttl"`
}

// AdminConfig holds admin surface configuration.
type AdminConfig struct {
	// AllowedPhones is the E.164 allow-list for admin OTP initiation.
	AllowedPhones []string `koanf:"allowed_phones"`
}

// SMSConfig holds SMS delivery configuration.
type SMSConfig struct {
	// SenderID is the alphanumeric sender shown on delivered messages.
	SenderID string        `koanf:"sender_id"`
	Timeout  time.Duration `koanf:"timeout"`
}

// DynamoDBConfig holds DynamoDB configuration.
type DynamoDBConfig struct {
	Endpoint string        `koanf:"endpoint"` // Empty for production (uses default AWS endpoint)
	Timeout  time.Duration `koanf:"timeout"`

	ChallengesTable    string `koanf:"challenges_table"`
	SessionsTable      string `koanf:"sessions_table"`
	RefreshTokensTable string `koanf:"refresh_tokens_table"`
	UsersTable         string `koanf:"users_table"`
	TenantsTable       string `koanf:"tenants_table"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string        `koanf:"addr"` // Required
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"` // LocalStack endpoint for development

	// SigningKeySecretID is the Secrets Manager secret holding the
	// PEM-encoded JWT signing key. Required outside local.
	SigningKeySecretID string `koanf:"signing_key_secret_id"`

	// SigningKeyIDParam is the SSM parameter holding the active key ID.
	SigningKeyIDParam string `koanf:"signing_key_id_param"`

	// PublicKeysPath is the SSM path prefix under which verification
	// public keys are stored, one parameter per key ID.
	PublicKeysPath string `koanf:"public_keys_path"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		AuthSvc: AuthSvcConfig{
			HTTPPort: 8080,
			Issuer:   "salon-platform",
			Audience: "salon-api",
		},

		OTP: OTPConfig{
			TTL:         domain.OTPValidityDuration,
			MaxAttempts: domain.MaxOTPAttempts,
			MaxResends:  domain.MaxOTPResends,
		},

		Tokens: TokensConfig{
			Admin: SurfaceTokenConfig{
				AccessTTL:  domain.DefaultAccessTokenTTL,
				RefreshTTL: domain.DefaultRefreshTokenTTL,
			},
			Owner: SurfaceTokenConfig{
				AccessTTL:  domain.DefaultAccessTokenTTL,
				RefreshTTL: domain.DefaultRefreshTokenTTL,
			},
			Employee: SurfaceTokenConfig{
				AccessTTL:  domain.DefaultAccessTokenTTL,
				RefreshTTL: domain.DefaultRefreshTokenTTL,
			},
		},

		SMS: SMSConfig{
			SenderID: "GlowDesk",
			Timeout:  domain.SNSTimeout,
		},

		DynamoDB: DynamoDBConfig{
			Timeout:            domain.DynamoDBTimeout,
			ChallengesTable:    "otp_challenges",
			SessionsTable:      "sessions",
			RefreshTokensTable: "refresh_tokens",
			UsersTable:         "users",
			TenantsTable:       "tenants",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			DB:      0,
			Timeout: domain.RedisTimeout,
		},
		AWS: AWSConfig{
			Region: "eu-west-1",
		},
	}
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. AWS SDK (Secrets Manager / SSM)
// 3. Compiled defaults (lowest)
//
// Required keys missing → startup failure.
// Optional keys missing → fallback to defaults.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	// Start with compiled defaults
	cfg := defaults()

	// Load environment variables
	// Prefix: none (we use full names like AUTHSVC__HTTP_PORT)
	// Delimiter: __ maps to . for nesting; single _ stays part of the key,
	// so AWS__SIGNING_KEY_SECRET_ID becomes aws.signing_key_secret_id.
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Validate required fields
	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRequired checks that required configuration is present.
func validateRequired(cfg *Config) error {
	// In local environment, most fields have sensible defaults
	// and missing secrets fall back to ephemeral local values.
	if cfg.Environment == "local" {
		return nil
	}

	if cfg.OTP.Pepper.Expose() == "" {
		return fmt.Errorf("%w: otp.pepper", domain.ErrConfigRequired)
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
	}
	if cfg.AWS.SigningKeySecretID == "" {
		return fmt.Errorf("%w: aws.signing_key_secret_id", domain.ErrConfigRequired)
	}
	if cfg.AWS.SigningKeyIDParam == "" {
		return fmt.Errorf("%w: aws.signing_key_id_param", domain.ErrConfigRequired)
	}
	if cfg.AWS.PublicKeysPath == "" {
		return fmt.Errorf("%w: aws.public_keys_path", domain.ErrConfigRequired)
	}

	return nil
}

// AccessTTLs returns the per-surface access token lifetimes as a map
// keyed by surface, the shape the token minter consumes.
func (c *Config) AccessTTLs() map[domain.Surface]time.Duration {
	return map[domain.Surface]time.Duration{
		domain.SurfaceAdmin:    c.Tokens.Admin.AccessTTL,
		domain.SurfaceOwner:    c.Tokens.Owner.AccessTTL,
		domain.SurfaceEmployee: c.Tokens.Employee.AccessTTL,
	}
}

// RefreshTTLs returns the per-surface refresh token lifetimes.
func (c *Config) RefreshTTLs() map[domain.Surface]time.Duration {
	return map[domain.Surface]time.Duration{
		domain.SurfaceAdmin:    c.Tokens.Admin.RefreshTTL,
		domain.SurfaceOwner:    c.Tokens.Owner.RefreshTTL,
		domain.SurfaceEmployee: c.Tokens.Employee.RefreshTTL,
	}
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
