package client

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/rpc"
	"github.com/isometry/icf-remote/internal/wire"
)

// Subscription is a long-lived event stream. It ends when Close is called,
// the handler returns false, the remote side ends it or its connection is
// lost.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
	err    error
}

func subscribe[I, R any](ctx context.Context, f *ConnectorFacade, op wire.OperationKind, req any,
	item func(*wire.Envelope) (I, error), last func(*wire.Envelope) (R, error), handle func(I) bool) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	r, buf := stream(ctx, f, op, req, item, last)
	if r == nil {
		cancel()
		return nil, rpc.NewTransportUnavailable(op, nil)
	}

	s := &Subscription{cancel: cancel, done: make(chan struct{})}
	fields := map[string]any{
		"operation":     op.String(),
		"request_id":    r.ID(),
		"connection_id": r.ConnectionID(),
		"connector_key": f.target.ConnectorKey.String(),
	}
	tflog.SubsystemDebug(f.logCtx, logging.SubsystemClient, "Subscription started", fields)

	go func() {
		defer close(s.done)
		defer cancel()

		_, err := rpc.Drive(ctx, r, buf, handle)
		if err != nil && !(s.closed.Load() && errors.Is(err, context.Canceled)) {
			s.err = err
			fields["error"] = err.Error()
		}
		tflog.SubsystemDebug(f.logCtx, logging.SubsystemClient, "Subscription ended", fields)
	}()

	return s, nil
}

// Close unsubscribes and waits for the handler to return. It is safe to call
// more than once but not from the handler itself; return false there.
func (s *Subscription) Close() {
	s.closed.Store(true)
	s.cancel()
	<-s.done
}

// IsUnsubscribed reports whether the subscription has ended.
func (s *Subscription) IsUnsubscribed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure that ended the subscription, or nil if it was
// closed or ended normally. It is valid once Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
