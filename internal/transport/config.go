package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
)

// Config contains WebSocket transport configuration shared by both ends.
type Config struct {
	// URL of the connector server, e.g. ws://host:8759/icf. Dial only.
	URL string `json:"url"`

	// Secret signs and verifies the handshake token.
	Secret string `json:"-"`

	// Subject identifies the client in the handshake token.
	Subject string `json:"subject" default:"icf-client"`

	// Connections is the number of sockets Connect opens per group.
	Connections int `json:"connections" default:"2"`

	HandshakeTimeout time.Duration `json:"handshake_timeout" default:"10s"`
	TokenLifetime    time.Duration `json:"token_lifetime" default:"1m"`

	// PingInterval is how often an idle socket sends an empty keepalive frame.
	PingInterval time.Duration `json:"ping_interval" default:"15s"`

	// ReadTimeout closes a socket that received nothing, not even a
	// keepalive, for this long. It must exceed PingInterval.
	ReadTimeout  time.Duration `json:"read_timeout" default:"45s"`
	WriteTimeout time.Duration `json:"write_timeout" default:"10s"`

	// SendQueue is the number of frames buffered ahead of the write pump.
	SendQueue int `json:"send_queue" default:"64"`

	// MaxMessageSize bounds a single incoming frame. Zero means unlimited.
	MaxMessageSize int64 `json:"max_message_size" default:"67108864"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("transport: invalid default tags: %v", err))
	}
	return cfg
}

func applyDefaults(cfg *Config) (*Config, error) {
	if cfg == nil {
		return DefaultConfig(), nil
	}
	out := *cfg
	if err := defaults.Set(&out); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}
	return &out, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Secret == "" {
		return errors.New("secret is required")
	}

	if cfg.Connections <= 0 {
		return errors.New("connections must be positive")
	}

	if cfg.PingInterval <= 0 {
		return errors.New("ping interval must be positive")
	}

	if cfg.ReadTimeout <= cfg.PingInterval {
		return fmt.Errorf("read timeout (%s) must exceed ping interval (%s)", cfg.ReadTimeout, cfg.PingInterval)
	}

	if cfg.WriteTimeout <= 0 || cfg.HandshakeTimeout <= 0 {
		return errors.New("write and handshake timeouts must be positive")
	}

	if cfg.SendQueue < 0 {
		return errors.New("send queue must not be negative")
	}

	return nil
}
