// Package server provides configuration helpers that define runtime
// defaults, validation, and rate-limiting parameters for the collaboration
// service.
package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig defines the parameters for a token-bucket rate limit.
type RateLimitConfig struct {
	Burst          int           `env:"BURST"`
	RefillInterval time.Duration `env:"REFILL_INTERVAL"`
}

// Config holds the server configuration settings including security
// controls and the timing knobs of the collaboration protocol.
type Config struct {
	Addr           string   `env:"COLLAB_ADDR"`
	AllowedOrigins []string `env:"COLLAB_ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize int64    `env:"COLLAB_MAX_MESSAGE_SIZE"`

	// IdleTimeout closes a connection that produced no inbound frame
	// (including pings) within the window.
	IdleTimeout time.Duration `env:"COLLAB_IDLE_TIMEOUT"`
	// SendTimeout bounds how long a broadcast waits on one recipient's
	// outbound queue before treating the recipient as stale.
	SendTimeout     time.Duration `env:"COLLAB_SEND_TIMEOUT"`
	SendQueueSize   int           `env:"COLLAB_SEND_QUEUE_SIZE"`
	TypingIdle      time.Duration `env:"COLLAB_TYPING_IDLE"`
	ShutdownTimeout time.Duration `env:"COLLAB_SHUTDOWN_TIMEOUT"`

	// FrameLimit throttles inbound frames per connection.
	FrameLimit RateLimitConfig `envPrefix:"COLLAB_FRAME_LIMIT_"`
	// ConnectLimit throttles connection attempts per user identity,
	// mitigating reconnect storms after a restart.
	ConnectLimit RateLimitConfig `envPrefix:"COLLAB_CONNECT_LIMIT_"`

	JWTSecret   string `env:"COLLAB_JWT_SECRET"`
	JWTIssuer   string `env:"COLLAB_JWT_ISSUER"`
	HistoryPath string `env:"COLLAB_HISTORY_PATH"`
}

// DefaultConfig returns a Config populated with default values for all
// settings.
func DefaultConfig() Config {
	return sanitizeConfig(Config{})
}

// LoadConfig reads configuration from environment variables, falling back
// to defaults for anything unset.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:8080"}
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = 2 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.FrameLimit.Burst <= 0 {
		cfg.FrameLimit.Burst = 20
	}
	if cfg.FrameLimit.RefillInterval <= 0 {
		cfg.FrameLimit.RefillInterval = time.Second
	}
	if cfg.ConnectLimit.Burst <= 0 {
		cfg.ConnectLimit.Burst = 5
	}
	if cfg.ConnectLimit.RefillInterval <= 0 {
		cfg.ConnectLimit.RefillInterval = time.Second
	}
	return cfg
}

// pingInterval derives the keepalive ping period from the idle timeout so
// pings always arrive before the peer's read deadline expires.
func (c Config) pingInterval() time.Duration {
	return c.IdleTimeout * 9 / 10
}
