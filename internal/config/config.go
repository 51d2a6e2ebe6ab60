// Package config loads coordinator settings from the environment.
// A .env file, when present, is folded in before parsing.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full configuration surface.
type Config struct {
	// ListenAddr is the HTTP/websocket bind address.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// RequiredPlayers is the room capacity. Production runs 6; dev
	// flows may drop it to 1.
	RequiredPlayers int `env:"REQUIRED_PLAYERS" envDefault:"6"`

	// BotFill injects synthetic participants at room creation, for
	// reduced-capacity dev configurations whose downstream logic
	// expects company.
	BotFill int `env:"BOT_FILL" envDefault:"0"`

	// GraceDelay is the pause between a room filling and play
	// starting, giving clients time to load the arena.
	GraceDelay time.Duration `env:"START_GRACE_DELAY" envDefault:"3s"`

	// StaleAfter is the age at which an empty waiting room is reaped.
	StaleAfter time.Duration `env:"ROOM_STALE_AFTER" envDefault:"5m"`

	// ReapInterval is how often the reaper scans the store.
	ReapInterval time.Duration `env:"REAP_INTERVAL" envDefault:"1m"`

	// StoreBackend selects "memory" or "postgres".
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`

	// PostgresDSN is required when StoreBackend is "postgres".
	PostgresDSN string `env:"POSTGRES_DSN"`

	// RateLimitRequests caps HTTP requests per client IP per window.
	RateLimitRequests int `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`

	// RateLimitWindow is the rate-limiting window.
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`

	// LogLevel is "debug", "info", "warn", or "error".
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is "json" or "console".
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if any) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	if c.RequiredPlayers < 1 {
		return fmt.Errorf("REQUIRED_PLAYERS must be at least 1, got %d", c.RequiredPlayers)
	}
	if c.BotFill < 0 {
		return fmt.Errorf("BOT_FILL must not be negative, got %d", c.BotFill)
	}
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required with the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	return nil
}
