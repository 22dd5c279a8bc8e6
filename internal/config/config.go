// Package config provides configuration loading using koanf.
// Precedence: environment variables over compiled defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/amlakpars/marketplace-auth/internal/domain"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	Log  LogConfig  `koanf:"log"`
	HTTP HTTPConfig `koanf:"http"`

	// Infrastructure configurations
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Redis    RedisConfig    `koanf:"redis"`
	AWS      AWSConfig      `koanf:"aws"`
	SMS      SMSConfig      `koanf:"sms"`

	// Domain configurations
	OTP  OTPConfig  `koanf:"otp"`
	Auth AuthConfig `koanf:"auth"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// LogConfig holds structured logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// HTTPConfig holds the HTTP server configuration.
type HTTPConfig struct {
	Port int `koanf:"port"`
}

// DynamoDBConfig holds DynamoDB configuration.
type DynamoDBConfig struct {
	Endpoint   string        `koanf:"endpoint"` // Empty for production (uses default AWS endpoint)
	Timeout    time.Duration `koanf:"timeout"`
	Challenges string        `koanf:"challenges"` // challenge table name
	Users      string        `koanf:"users"`      // users table name
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string        `koanf:"addr"` // Required in prod
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"` // LocalStack endpoint for development
}

// SMSConfig selects the SMS delivery backend.
type SMSConfig struct {
	// Provider is "sns" for real delivery or "log" for log-only delivery.
	Provider string `koanf:"provider"`
}

// OTPConfig holds issuance policy overrides.
type OTPConfig struct {
	// Pepper keys the MAC under which codes are stored. Required in prod.
	Pepper domain.SecretString `koanf:"pepper"`

	Limit  int           `koanf:"limit"`  // sends per window per phone
	Window time.Duration `koanf:"window"` // rate limit window
}

// AuthConfig holds session token configuration.
type AuthConfig struct {
	// SigningKey is the PEM-encoded RSA private key. Required in prod.
	SigningKey domain.SecretString `koanf:"signingkey"`
	KeyID      string              `koanf:"keyid"`
	Issuer     string              `koanf:"issuer"`
	Audience   string              `koanf:"audience"`
	TTL        time.Duration       `koanf:"ttl"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint string `koanf:"endpoint"` // Empty disables OTLP export
	Service  string `koanf:"service"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},

		DynamoDB: DynamoDBConfig{
			Timeout:    domain.DynamoDBTimeout,
			Challenges: "otp_challenges",
			Users:      "users",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			DB:      0,
			Timeout: domain.RedisTimeout,
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		SMS: SMSConfig{
			Provider: "log",
		},

		OTP: OTPConfig{
			Pepper: "local-dev-pepper",
			Limit:  domain.OTPSendLimitPerWindow,
			Window: domain.OTPSendWindow,
		},
		Auth: AuthConfig{
			KeyID:    "key-1",
			Issuer:   "marketplace-auth",
			Audience: "marketplace-api",
			TTL:      domain.AccessTokenLifetime,
		},

		OTEL: OTELConfig{
			Service: "marketplace-auth",
		},
	}
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. Compiled defaults (lowest)
//
// Required keys missing in prod cause a startup failure.
func Load() (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	// Environment variables map onto nested keys by underscore, so
	// REDIS_ADDR becomes redis.addr.
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRequired checks that required configuration is present.
func validateRequired(cfg *Config) error {
	if cfg.IsLocal() {
		return nil
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
	}
	if cfg.OTP.Pepper == "" || cfg.OTP.Pepper == defaults().OTP.Pepper {
		return fmt.Errorf("%w: otp.pepper", domain.ErrConfigRequired)
	}
	if cfg.IsProd() {
		if cfg.Auth.SigningKey == "" {
			return fmt.Errorf("%w: auth.signingkey", domain.ErrConfigRequired)
		}
		if cfg.SMS.Provider != "sns" {
			return fmt.Errorf("%w: sms.provider must be \"sns\" in prod", domain.ErrConfigRequired)
		}
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
