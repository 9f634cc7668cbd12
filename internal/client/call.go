package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/rpc"
	"github.com/isometry/icf-remote/internal/wire"
)

// callContext bounds a synchronous call by the configured operation timeout.
func (f *ConnectorFacade) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}

// interrupted converts an early return caused by ctx into the error reported
// to the caller. An expired deadline is an operation timeout.
func interrupted(ctx context.Context, op wire.OperationKind, err error) error {
	if err == nil || ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &framework.ConnectorError{
			Kind:    framework.KindOperationTimeout,
			Message: fmt.Sprintf("%s did not complete in time", op),
			Cause:   err,
		}
	}
	return err
}

// logged runs a synchronous call inside an operation log scope.
func (f *ConnectorFacade) logged(op wire.OperationKind, fn func() error) error {
	return logging.LogOperation(f.logCtx, logging.SubsystemClient, op.String(), map[string]any{
		"connector_key": f.target.ConnectorKey.String(),
	}, fn)
}

// await blocks on p until it settles or the operation timeout expires. When
// the wait ends early the operation is cancelled, unless it settled in the
// meantime, in which case its own outcome wins.
func await[T any](ctx context.Context, f *ConnectorFacade, op wire.OperationKind, p *rpc.Promise[T]) (T, error) {
	var v T
	err := f.logged(op, func() error {
		ctx, cancel := f.callContext(ctx)
		defer cancel()

		var err error
		v, err = p.Await(ctx)
		if ctx.Err() != nil && !p.Cancel() {
			v, err = p.Result()
		}
		return interrupted(ctx, op, err)
	})
	return v, err
}

// unary submits a single-response operation.
func unary[T any](ctx context.Context, f *ConnectorFacade, op wire.OperationKind, req any, decode func(*wire.Envelope) (T, error)) *rpc.Promise[T] {
	return rpc.Call(ctx, f.group, rpc.Unary(op, f.target, req, decode))
}

// stream submits a streaming operation feeding a fresh result buffer. It
// returns nil when no connection can carry the request.
func stream[I, R any](ctx context.Context, f *ConnectorFacade, op wire.OperationKind, req any,
	item func(*wire.Envelope) (I, error), last func(*wire.Envelope) (R, error)) (*rpc.OperationRequest[R], *rpc.ResultBuffer[I, R]) {
	buf := rpc.NewResultBuffer[I, R]()
	r := rpc.Submit(ctx, f.group, rpc.Stream(op, f.target, req, buf, item, last))
	if r == nil {
		return nil, nil
	}
	return r, buf
}

// drive runs a streaming operation on the calling goroutine.
func drive[I, R any](ctx context.Context, f *ConnectorFacade, op wire.OperationKind, req any,
	item func(*wire.Envelope) (I, error), last func(*wire.Envelope) (R, error), handle func(I) bool) (R, error) {
	var v R
	err := f.logged(op, func() error {
		ctx, cancel := f.callContext(ctx)
		defer cancel()

		r, buf := stream(ctx, f, op, req, item, last)
		if r == nil {
			return rpc.NewTransportUnavailable(op, nil)
		}

		var err error
		v, err = rpc.Drive(ctx, r, buf, handle)
		return interrupted(ctx, op, err)
	})
	return v, err
}

// driveAsync runs a streaming operation on its own goroutine. The consumer
// runs on that goroutine. If the consumer stops the stream, the promise
// settles as cancelled.
func driveAsync[I, R any](ctx context.Context, f *ConnectorFacade, op wire.OperationKind, req any,
	item func(*wire.Envelope) (I, error), last func(*wire.Envelope) (R, error), handle func(I) bool) *rpc.Promise[R] {
	r, buf := stream(ctx, f, op, req, item, last)
	if r == nil {
		return rpc.NewRejected[R](rpc.NewTransportUnavailable(op, nil))
	}

	go func() {
		_, _ = rpc.Drive(ctx, r, buf, handle)
	}()
	return r.Promise()
}

// batch submits a batch operation whose results are delivered to observer by
// a coordinator. It returns nil when no connection can carry the request.
func batch(ctx context.Context, f *ConnectorFacade, op wire.OperationKind, req any, observer rpc.BatchObserver) (*rpc.BatchCoordinator, *rpc.OperationRequest[framework.BatchToken]) {
	coord := rpc.NewBatchCoordinator(f.logCtx, observer, f.group.Config().BatchIdleTimeout)
	r := rpc.Submit(ctx, f.group, coord.Operation(op, f.target, req))
	if r == nil {
		return nil, nil
	}
	return coord, r
}

func runBatch(ctx context.Context, f *ConnectorFacade, op wire.OperationKind, req any, observer rpc.BatchObserver) (framework.BatchToken, error) {
	var token framework.BatchToken
	err := f.logged(op, func() error {
		ctx, cancel := f.callContext(ctx)
		defer cancel()

		coord, r := batch(ctx, f, op, req, observer)
		if r == nil {
			return rpc.NewTransportUnavailable(op, nil)
		}

		var err error
		token, err = coord.Run(ctx, r)
		return interrupted(ctx, op, err)
	})
	return token, err
}

func runBatchAsync(ctx context.Context, f *ConnectorFacade, op wire.OperationKind, req any, observer rpc.BatchObserver) *rpc.Promise[framework.BatchToken] {
	coord, r := batch(ctx, f, op, req, observer)
	if r == nil {
		return rpc.NewRejected[framework.BatchToken](rpc.NewTransportUnavailable(op, nil))
	}

	go func() {
		_, _ = coord.Run(ctx, r)
	}()
	return r.Promise()
}

// Response decoders.

func decodeUid(env *wire.Envelope) (framework.Uid, error) {
	m, err := wire.Decode[wire.UidResponse](env)
	return m.Uid, err
}

func decodeEmpty(*wire.Envelope) (struct{}, error) {
	return struct{}{}, nil
}

func decodeObject(env *wire.Envelope) (*framework.ConnectorObject, error) {
	m, err := wire.Decode[wire.ObjectResponse](env)
	return m.Object, err
}

func decodeSyncToken(env *wire.Envelope) (*framework.SyncToken, error) {
	m, err := wire.Decode[wire.SyncTokenResponse](env)
	return m.Token, err
}

func decodeScript(env *wire.Envelope) (any, error) {
	m, err := wire.Decode[wire.ScriptResponse](env)
	return m.Result, err
}

func decodeObjectItem(env *wire.Envelope) (*framework.ConnectorObject, error) {
	m, err := wire.Decode[wire.ObjectItem](env)
	return &m.Object, err
}

func decodeDeltaItem(env *wire.Envelope) (*framework.SyncDelta, error) {
	m, err := wire.Decode[wire.DeltaItem](env)
	return &m.Delta, err
}

func decodeSearchTerminal(env *wire.Envelope) (framework.SearchResult, error) {
	m, err := wire.Decode[wire.SearchTerminal](env)
	return m.Result, err
}

func decodeSyncTerminal(env *wire.Envelope) (*framework.SyncToken, error) {
	m, err := wire.Decode[wire.SyncTerminal](env)
	return m.Token, err
}
