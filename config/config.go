// Package config loads service configuration from the environment and
// validates it at startup. A service with an unusable secret or missing
// store address refuses to start rather than limping.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	apperrors "github.com/akadon/zent-voice/errors"
)

// Config is the full service configuration.
type Config struct {
	// Listen address for the combined HTTP API + gateway server.
	Host string `env:"VOICE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"VOICE_PORT" envDefault:"4005"`

	// Stores
	DatabaseURL string `env:"DATABASE_URL"`
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	// MemoryStore replaces Postgres with the in-memory membership store.
	// Local development only: state dies with the process.
	MemoryStore bool `env:"MEMORY_STORE" envDefault:"false"`

	// Secrets
	AuthSecret     string `env:"AUTH_SECRET"`
	InternalAPIKey string `env:"INTERNAL_API_KEY"`

	// Media server handed to clients on join
	MediaEndpoint string `env:"LIVEKIT_URL" envDefault:"ws://localhost:7880"`
	MediaAPIKey   string `env:"LIVEKIT_API_KEY" envDefault:"zent-voice"`

	// CORS allow-list for the control API
	CORSOrigins []string `env:"CORS_ORIGIN" envSeparator:"," envDefault:"http://localhost:3000"`

	// Identifier generator partition overrides. Negative means derive from
	// the host.
	WorkerID  int `env:"WORKER_ID" envDefault:"-1"`
	ProcessID int `env:"PROCESS_ID" envDefault:"-1"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, apperrors.WrapInvalid(err, "Config", "Load", "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces startup invariants.
func (c *Config) Validate() error {
	if len(c.AuthSecret) < 16 {
		return apperrors.WrapInvalid(
			fmt.Errorf("AUTH_SECRET must be at least 16 bytes"),
			"Config", "Validate", "check secrets")
	}
	if len(c.InternalAPIKey) < 8 {
		return apperrors.WrapInvalid(
			fmt.Errorf("INTERNAL_API_KEY must be at least 8 bytes"),
			"Config", "Validate", "check secrets")
	}
	if c.DatabaseURL == "" && !c.MemoryStore {
		return apperrors.WrapInvalid(
			fmt.Errorf("DATABASE_URL is required unless MEMORY_STORE=true"),
			"Config", "Validate", "check stores")
	}
	if c.NATSURL == "" {
		return apperrors.WrapInvalid(
			fmt.Errorf("NATS_URL is required"),
			"Config", "Validate", "check stores")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return apperrors.WrapInvalid(
			fmt.Errorf("VOICE_PORT %d out of range", c.Port),
			"Config", "Validate", "check listen address")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
