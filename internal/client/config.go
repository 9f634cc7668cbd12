package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"

	"github.com/isometry/icf-remote/internal/rpc"
	"github.com/isometry/icf-remote/internal/transport"
)

// Config contains connector client configuration.
type Config struct {
	// Transport selects the server and holds the shared secret.
	Transport transport.Config `json:"transport"`

	// RPC tunes request correlation and liveness checks.
	RPC rpc.Config `json:"rpc"`

	// OperationTimeout bounds every synchronous call. Zero waits until the
	// operation ends or the caller's context is done.
	OperationTimeout time.Duration `json:"operation_timeout"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("client: invalid default tags: %v", err))
	}
	return cfg
}

func applyDefaults(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, errors.New("client configuration is required")
	}
	out := *cfg
	if err := defaults.Set(&out); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}
	return &out, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Transport.URL == "" {
		return errors.New("transport url is required")
	}

	if cfg.OperationTimeout < 0 {
		return errors.New("operation timeout must not be negative")
	}

	return nil
}
