package client

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/rpc"
	"github.com/isometry/icf-remote/internal/wire"
)

// findConnectorInterval is the pause between connector list queries while
// waiting for a key to appear.
const findConnectorInterval = 250 * time.Millisecond

func decodeConnectorKeys(env *wire.Envelope) ([]framework.ConnectorKey, error) {
	m, err := wire.Decode[wire.ConnectorInfoResponse](env)
	return m.Keys, err
}

// ConnectorKeysAsync asks the server for the connector keys it serves.
func (c *Client) ConnectorKeysAsync(ctx context.Context) *rpc.Promise[[]framework.ConnectorKey] {
	return rpc.Call(ctx, c.group, rpc.Unary(wire.OpConnectorInfo, nil, &wire.ConnectorInfoRequest{}, decodeConnectorKeys))
}

// ConnectorKeys returns the connector keys the server serves, sorted by
// their string form.
func (c *Client) ConnectorKeys(ctx context.Context) ([]framework.ConnectorKey, error) {
	var keys []framework.ConnectorKey
	err := logging.LogOperation(c.logCtx, logging.SubsystemClient, wire.OpConnectorInfo.String(), nil, func() error {
		ctx, cancel := c.callContext(ctx)
		defer cancel()

		p := c.ConnectorKeysAsync(ctx)
		var err error
		keys, err = p.Await(ctx)
		if ctx.Err() != nil && !p.Cancel() {
			keys, err = p.Result()
		}
		return interrupted(ctx, wire.OpConnectorInfo, err)
	})
	return keys, err
}

// FindConnectorAsync settles once the server serves key. The server is
// queried repeatedly until the key shows up, ctx ends, or the promise is
// cancelled. Lost connections are retried; any other failure rejects.
func (c *Client) FindConnectorAsync(ctx context.Context, key framework.ConnectorKey) *rpc.Promise[framework.ConnectorKey] {
	found := rpc.NewPromise[framework.ConnectorKey]()

	go func() {
		ticker := time.NewTicker(findConnectorInterval)
		defer ticker.Stop()

		for attempt := 1; ; attempt++ {
			keys, err := c.ConnectorKeysAsync(ctx).Await(ctx)
			switch {
			case err == nil && slices.Contains(keys, key):
				found.Resolve(key)
				return
			case err != nil && ctx.Err() == nil && !rpc.IsTransportUnavailable(err):
				found.Reject(err)
				return
			}

			tflog.SubsystemTrace(c.logCtx, logging.SubsystemClient, "Connector not served yet", map[string]any{
				"connector_key": key.String(),
				"attempt":       attempt,
			})

			select {
			case <-ctx.Done():
				found.Reject(ctx.Err())
				return
			case <-found.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return found
}

// callContext bounds a synchronous client-level call by the operation timeout.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
