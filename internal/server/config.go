package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"

	"github.com/isometry/icf-remote/internal/transport"
)

// Config contains connector server configuration.
type Config struct {
	// Listen is the TCP address ListenAndServe binds.
	Listen string `json:"listen" default:":8759"`

	// Path is the HTTP path accepting WebSocket connections.
	Path string `json:"path" default:"/icf"`

	// Transport holds the shared secret and socket timeouts.
	Transport transport.Config `json:"transport"`

	// SendTimeout bounds queueing one response frame.
	SendTimeout time.Duration `json:"send_timeout" default:"10s"`

	ReadHeaderTimeout time.Duration `json:"read_header_timeout" default:"10s"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" default:"10s"`

	// CompressThreshold is the encoded frame size above which responses are
	// compressed. Negative disables compression.
	CompressThreshold int `json:"compress_threshold" default:"4096"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("server: invalid default tags: %v", err))
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
	if cfg.Listen == "" {
		return errors.New("listen address is required")
	}

	if !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("path %q must start with /", cfg.Path)
	}

	if cfg.SendTimeout <= 0 {
		return errors.New("send timeout must be positive")
	}

	return nil
}

func (c *Config) compressThreshold() int {
	if c.CompressThreshold < 0 {
		return 0
	}
	return c.CompressThreshold
}
