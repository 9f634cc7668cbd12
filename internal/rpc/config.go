package rpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"

	"github.com/isometry/icf-remote/internal/wire"
)

// Config tunes the correlation engine. Zero fields are filled from the
// default tags by NewGroup.
type Config struct {
	// SendTimeout bounds handing a frame to a connection.
	SendTimeout time.Duration `default:"10s"`

	// StreamIdleTimeout is how long a streaming consumer may leave
	// deliverable results untouched before the operation is failed.
	StreamIdleTimeout time.Duration `default:"60s"`

	// NetworkIdleTimeout is how long a search or sync may go without
	// receiving any envelope before the operation is failed. Subscriptions
	// are exempt. Negative disables it.
	NetworkIdleTimeout time.Duration `default:"5m"`

	// BatchIdleTimeout is how long a batch may go without any message
	// before the coordinator gives up waiting for completion signals.
	BatchIdleTimeout time.Duration `default:"5s"`

	// CheckInterval is the period of the liveness sweep. Negative disables it.
	CheckInterval time.Duration `default:"30s"`

	// MaxInconsistency is the number of control sweeps a request may be
	// missing from the remote side before it is failed.
	MaxInconsistency int `default:"3"`

	// MaxMessageSize bounds a decoded frame, compressed or not. Zero uses
	// wire.DefaultMaxMessageSize.
	MaxMessageSize int64

	// CompressThreshold is the encoded frame size above which frames are
	// compressed. Negative disables compression.
	CompressThreshold int `default:"4096"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("rpc: invalid default tags: %v", err))
	}
	return cfg
}

// applyDefaults fills zero fields of a copy of cfg.
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
	if cfg.SendTimeout <= 0 {
		return errors.New("SendTimeout must be positive")
	}

	if cfg.StreamIdleTimeout <= 0 {
		return errors.New("StreamIdleTimeout must be positive")
	}

	if cfg.BatchIdleTimeout <= 0 {
		return errors.New("BatchIdleTimeout must be positive")
	}

	if cfg.MaxInconsistency <= 0 {
		return errors.New("MaxInconsistency must be positive")
	}

	return nil
}

func (c *Config) compressThreshold() int {
	if c.CompressThreshold < 0 {
		return 0
	}
	if c.CompressThreshold == 0 {
		return wire.DefaultCompressThreshold
	}
	return c.CompressThreshold
}
