package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/icf-remote/internal/wire"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10*time.Second, cfg.SendTimeout)
	assert.Equal(t, 60*time.Second, cfg.StreamIdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.BatchIdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.CheckInterval)
	assert.Equal(t, 3, cfg.MaxInconsistency)
	assert.Equal(t, wire.DefaultCompressThreshold, cfg.CompressThreshold)
	require.NoError(t, validateConfig(cfg))
}

func TestApplyDefaults(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		cfg, err := applyDefaults(nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("explicit values are kept and input is not modified", func(t *testing.T) {
		in := &Config{SendTimeout: time.Second, CheckInterval: -1}

		cfg, err := applyDefaults(in)
		require.NoError(t, err)

		assert.Equal(t, time.Second, cfg.SendTimeout)
		assert.Equal(t, time.Duration(-1), cfg.CheckInterval)
		assert.Equal(t, 60*time.Second, cfg.StreamIdleTimeout)
		assert.Zero(t, in.StreamIdleTimeout)
	})
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "send timeout", mutate: func(c *Config) { c.SendTimeout = -time.Second }, wantErr: "SendTimeout"},
		{name: "stream idle", mutate: func(c *Config) { c.StreamIdleTimeout = -1 }, wantErr: "StreamIdleTimeout"},
		{name: "batch idle", mutate: func(c *Config) { c.BatchIdleTimeout = -1 }, wantErr: "BatchIdleTimeout"},
		{name: "max inconsistency", mutate: func(c *Config) { c.MaxInconsistency = -2 }, wantErr: "MaxInconsistency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := validateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompressThreshold(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: -1, want: 0},
		{in: 0, want: wire.DefaultCompressThreshold},
		{in: 128, want: 128},
	}

	for _, tt := range tests {
		cfg := &Config{CompressThreshold: tt.in}
		assert.Equal(t, tt.want, cfg.compressThreshold())
	}
}
