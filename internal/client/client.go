package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/rpc"
	"github.com/isometry/icf-remote/internal/transport"
	"github.com/isometry/icf-remote/internal/wire"
)

// ErrInvalidArgument reports a call rejected before anything was sent.
var ErrInvalidArgument = errors.New("invalid argument")

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Client is a connection group to one connector server.
type Client struct {
	logCtx  context.Context
	group   *rpc.Group
	timeout time.Duration
}

// Dial connects to the server in config.Transport.URL.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	config, err := applyDefaults(config)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}

	if config.RPC.MaxMessageSize == 0 {
		config.RPC.MaxMessageSize = config.Transport.MaxMessageSize
	}

	group, err := rpc.NewGroup(ctx, &config.RPC)
	if err != nil {
		return nil, err
	}

	err = logging.LogOperation(ctx, logging.SubsystemClient, "connect", map[string]any{
		"url":         config.Transport.URL,
		"session_id":  group.SessionID(),
		"connections": config.Transport.Connections,
	}, func() error {
		return transport.Connect(ctx, &config.Transport, group)
	})
	if err != nil {
		_ = group.Close()
		return nil, err
	}

	return New(ctx, group, config.OperationTimeout), nil
}

// New wraps an existing connection group. ctx is used for logging.
func New(ctx context.Context, group *rpc.Group, operationTimeout time.Duration) *Client {
	return &Client{logCtx: ctx, group: group, timeout: operationTimeout}
}

// Group returns the underlying connection group.
func (c *Client) Group() *rpc.Group {
	return c.group
}

// Facade returns a facade addressing the connector key configured with
// configuration.
func (c *Client) Facade(key framework.ConnectorKey, configuration framework.Configuration) *ConnectorFacade {
	tflog.SubsystemTrace(c.logCtx, logging.SubsystemClient, "Connector facade created", map[string]any{
		"connector_key": key.String(),
		"configuration": logging.SanitizeFields(configuration),
	})

	return &ConnectorFacade{
		logCtx:  c.logCtx,
		group:   c.group,
		target:  &wire.Target{ConnectorKey: key, Configuration: configuration},
		timeout: c.timeout,
	}
}

// Close fails every pending operation and closes the connections.
func (c *Client) Close() error {
	return c.group.Close()
}
