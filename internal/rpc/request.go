package rpc

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/wire"
)

// Operation describes one remote call: what to send and how to consume the
// responses. The correlation engine is the same for every operation kind;
// only these fields vary.
type Operation[T any] struct {
	Kind    wire.OperationKind
	Target  *wire.Target
	Request any

	// Handle consumes one matching response envelope. It runs on the
	// connection's read goroutine and must not block.
	Handle func(r *OperationRequest[T], env *wire.Envelope)

	// Stalled reports whether local delivery has stopped making progress
	// for longer than idle, and how many results are waiting.
	Stalled func(now time.Time, idle time.Duration) (stalled bool, remaining int)

	// NetworkIdle reports whether nothing has arrived for longer than idle
	// while the stream is still open. Nil for operations without a bound.
	NetworkIdle func(now time.Time, idle time.Duration) bool
}

// OperationRequest is one in-flight remote call bound to a connection.
type OperationRequest[T any] struct {
	group      *Group
	conn       *connState
	id         int64
	op         Operation[T]
	promise    *Promise[T]
	strikes    atomic.Int32
	cancelSent atomic.Bool
	remoteDone atomic.Bool
}

func newOperationRequest[T any](g *Group, cs *connState, id int64, op Operation[T]) *OperationRequest[T] {
	return &OperationRequest[T]{
		group:   g,
		conn:    cs,
		id:      id,
		op:      op,
		promise: NewPromise[T](),
	}
}

// ID returns the request id, unique among pending requests on its connection.
func (r *OperationRequest[T]) ID() int64 {
	return r.id
}

// Kind returns the operation kind responses must carry.
func (r *OperationRequest[T]) Kind() wire.OperationKind {
	return r.op.Kind
}

// Promise returns the request's result cell.
func (r *OperationRequest[T]) Promise() *Promise[T] {
	return r.promise
}

// ConnectionID returns the id of the connection carrying the request.
func (r *OperationRequest[T]) ConnectionID() string {
	if r.conn == nil {
		return ""
	}
	return r.conn.conn.ID()
}

// Resolve completes the request with v.
func (r *OperationRequest[T]) Resolve(v T) bool {
	return r.promise.Resolve(v)
}

// Reject fails the request with err without notifying the remote side.
func (r *OperationRequest[T]) Reject(err error) bool {
	return r.promise.Reject(err)
}

// Cancel settles a pending request as cancelled and sends one best-effort
// cancel to the remote side. It never overwrites an existing result.
func (r *OperationRequest[T]) Cancel() bool {
	return r.promise.Cancel()
}

// Fail fails the request locally and asks the remote side to stop.
func (r *OperationRequest[T]) Fail(err error) bool {
	if !r.promise.Reject(err) {
		return false
	}
	r.sendCancel()
	return true
}

func (r *OperationRequest[T]) settled() bool {
	return r.promise.State() != PromisePending
}

func (r *OperationRequest[T]) handle(env *wire.Envelope) {
	if r.settled() {
		r.violation(env, "response after completion")
		return
	}
	if env.Last || env.Error != nil {
		r.remoteDone.Store(true)
	}
	r.op.Handle(r, env)
}

func (r *OperationRequest[T]) abort(err error) {
	r.promise.Reject(err)
}

// check fails a streaming request whose consumer stopped taking results or
// whose remote side went silent.
func (r *OperationRequest[T]) check(now time.Time) {
	if r.settled() {
		return
	}
	r.checkNetwork(now)
	if r.op.Stalled == nil || r.settled() {
		return
	}

	stalled, remaining := r.op.Stalled(now, r.group.config.StreamIdleTimeout)
	if !stalled {
		return
	}

	tflog.SubsystemWarn(r.group.logCtx, logging.SubsystemRPC, "Consumer stalled, failing operation", map[string]any{
		"request_id":    r.id,
		"operation":     r.op.Kind.String(),
		"connection_id": r.ConnectionID(),
		"remaining":     remaining,
		"idle_timeout":  r.group.config.StreamIdleTimeout.String(),
	})
	r.Fail(NewConsumerStalled(r.op.Kind, r.id, remaining))
}

func (r *OperationRequest[T]) checkNetwork(now time.Time) {
	idle := r.group.config.NetworkIdleTimeout
	if r.op.NetworkIdle == nil || idle <= 0 || !r.op.NetworkIdle(now, idle) {
		return
	}

	tflog.SubsystemWarn(r.group.logCtx, logging.SubsystemRPC, "Nothing received for stream, failing operation", map[string]any{
		"request_id":    r.id,
		"operation":     r.op.Kind.String(),
		"connection_id": r.ConnectionID(),
		"idle_timeout":  idle.String(),
	})
	r.Fail(NewNetworkIdle(r.op.Kind, r.id, r.ConnectionID(), idle))
}

// reconcile records whether the remote side still knows this request.
// A request whose terminal envelope already arrived is finished remotely and
// only waits on local delivery.
func (r *OperationRequest[T]) reconcile(known bool) {
	if known || r.remoteDone.Load() {
		r.strikes.Store(0)
		return
	}

	n := int(r.strikes.Add(1))
	if n < r.group.config.MaxInconsistency {
		tflog.SubsystemDebug(r.group.logCtx, logging.SubsystemRPC, "Request unknown to remote side", map[string]any{
			"request_id": r.id,
			"operation":  r.op.Kind.String(),
			"strikes":    n,
		})
		return
	}

	tflog.SubsystemWarn(r.group.logCtx, logging.SubsystemRPC, "Request lost by remote side, failing operation", map[string]any{
		"request_id":    r.id,
		"operation":     r.op.Kind.String(),
		"connection_id": r.ConnectionID(),
		"strikes":       n,
	})
	r.Fail(NewRemoteInconsistent(r.op.Kind, r.id, r.ConnectionID()))
}

// onSettled releases the table entry once the promise is terminal.
func (r *OperationRequest[T]) onSettled() {
	if r.conn == nil {
		return
	}
	r.conn.pending.remove(r)
	if r.promise.State() == PromiseCancelled {
		r.sendCancel()
	}
}

func (r *OperationRequest[T]) sendCancel() {
	if r.conn == nil || !r.cancelSent.CompareAndSwap(false, true) {
		return
	}
	r.group.sendCancel(r.conn, r.id, r.op.Kind)
}

func (r *OperationRequest[T]) violation(env *wire.Envelope, reason string) {
	var conn Connection
	if r.conn != nil {
		conn = r.conn.conn
	}
	r.group.violation(conn, env, reason)
}

// Unary builds an operation answered by exactly one response envelope.
func Unary[T any](kind wire.OperationKind, target *wire.Target, request any, decode func(env *wire.Envelope) (T, error)) Operation[T] {
	return Operation[T]{
		Kind:    kind,
		Target:  target,
		Request: request,
		Handle: func(r *OperationRequest[T], env *wire.Envelope) {
			if env.Error != nil {
				r.Reject(env.Error.Err())
				return
			}
			v, err := decode(env)
			if err != nil {
				r.Reject(err)
				return
			}
			r.Resolve(v)
		},
	}
}

// Stream builds an operation whose responses are numbered partials followed
// by one terminal envelope, all fed into buf. Except for subscriptions, the
// stream is failed when the remote side stays silent past NetworkIdleTimeout.
func Stream[I, R any](kind wire.OperationKind, target *wire.Target, request any, buf *ResultBuffer[I, R],
	item func(env *wire.Envelope) (I, error), last func(env *wire.Envelope) (R, error)) Operation[R] {
	op := Operation[R]{
		Kind:    kind,
		Target:  target,
		Request: request,
		Handle: func(r *OperationRequest[R], env *wire.Envelope) {
			switch {
			case env.Error != nil:
				if env.Sequence < 1 {
					r.Reject(env.Error.Err())
					return
				}
				var zero R
				if !buf.ReceiveLast(env.Sequence, zero, env.Error.Err()) {
					r.violation(env, "out-of-order terminal error")
				}
			case env.Last:
				v, err := last(env)
				if err != nil {
					r.Reject(err)
					return
				}
				if !buf.ReceiveLast(env.Sequence, v, nil) {
					r.violation(env, "duplicate or out-of-order terminal")
				}
			default:
				v, err := item(env)
				if err != nil {
					r.Reject(err)
					return
				}
				if !buf.ReceiveNext(env.Sequence, v) {
					r.violation(env, "duplicate or out-of-range sequence")
				}
			}
		},
		Stalled: func(now time.Time, idle time.Duration) (bool, int) {
			return buf.Stalled(now, idle), buf.Remaining()
		},
	}
	if !kind.Subscription() {
		op.NetworkIdle = buf.NetworkIdle
	}
	return op
}
