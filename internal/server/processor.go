package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/rpc"
	"github.com/isometry/icf-remote/internal/wire"
)

// requestKey identifies a request: ids are only unique per connection.
type requestKey struct {
	conn rpc.Connection
	id   int64
}

// localRequest is a request executing on this side.
type localRequest struct {
	op      wire.OperationKind
	cancel  context.CancelFunc
	started time.Time
}

// ProcessorStats contains request processor statistics.
type ProcessorStats struct {
	Connections int
	Running     int
	Handled     int64
	Cancelled   int64
	Dropped     int64
}

// Processor executes the requests of one client session. Each request runs
// on its own goroutine against the connector named by its target, and its
// responses go back over the connection it arrived on. A Processor
// implements rpc.Listener.
type Processor struct {
	logCtx    context.Context
	sessionID string
	registry  *Registry
	codec     *wire.Codec
	config    *Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	requests map[requestKey]*localRequest
	conns    map[rpc.Connection]struct{}
	closed   bool
	wg       sync.WaitGroup

	// onIdle runs after the last connection closed.
	onIdle func()

	handled   atomic.Int64
	cancelled atomic.Int64
	dropped   atomic.Int64
}

func newProcessor(ctx context.Context, sessionID string, registry *Registry, codec *wire.Codec, config *Config) *Processor {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Processor{
		logCtx:    ctx,
		sessionID: sessionID,
		registry:  registry,
		codec:     codec,
		config:    config,
		ctx:       runCtx,
		cancel:    cancel,
		requests:  make(map[requestKey]*localRequest),
		conns:     make(map[rpc.Connection]struct{}),
	}
}

// Attach registers conn with the processor. The caller starts conn with the
// processor as its listener.
func (p *Processor) Attach(conn rpc.Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.conns[conn] = struct{}{}
	return true
}

func (p *Processor) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// OnReceive dispatches one incoming frame.
func (p *Processor) OnReceive(conn rpc.Connection, message []byte) {
	env, err := p.codec.Decode(message)
	if err != nil {
		p.drop(conn, nil, "undecodable frame: "+err.Error())
		return
	}

	switch env.Kind {
	case wire.KindRequest:
		if env.Operation == wire.OpControl {
			p.answerControl(conn, env)
			return
		}
		p.start(conn, env)

	case wire.KindCancel:
		p.cancelRequest(conn, env)

	default:
		p.drop(conn, env, "unexpected "+env.Kind.String()+" envelope")
	}
}

// OnClosed cancels every request that arrived on conn.
func (p *Processor) OnClosed(conn rpc.Connection) {
	p.mu.Lock()
	delete(p.conns, conn)
	cancelled := 0
	for key, lr := range p.requests {
		if key.conn == conn {
			lr.cancel()
			cancelled++
		}
	}
	idle := len(p.conns) == 0
	p.mu.Unlock()

	logging.LogConnectionEvent(p.logCtx, logging.SubsystemServer, "connection_closed", map[string]any{
		"connection_id":      conn.ID(),
		"session_id":         p.sessionID,
		"cancelled_requests": cancelled,
	})

	if idle && p.onIdle != nil {
		p.onIdle()
	}
}

func (p *Processor) start(conn rpc.Connection, env *wire.Envelope) {
	key := requestKey{conn: conn, id: env.RequestID}
	ctx, cancel := context.WithCancel(p.ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return
	}
	if _, dup := p.requests[key]; dup {
		p.mu.Unlock()
		cancel()
		p.drop(conn, env, "request id already running")
		return
	}
	lr := &localRequest{op: env.Operation, cancel: cancel, started: time.Now()}
	p.requests[key] = lr
	p.wg.Go(func() {
		defer p.finish(key, lr)
		defer cancel()
		p.execute(ctx, conn, env)
	})
	p.mu.Unlock()
}

// finish forgets a request once its final response has been queued, so a
// control answer sent later never lists a request whose result is still to
// come.
func (p *Processor) finish(key requestKey, lr *localRequest) {
	p.mu.Lock()
	if p.requests[key] == lr {
		delete(p.requests, key)
	}
	p.mu.Unlock()

	p.handled.Add(1)
	tflog.SubsystemTrace(p.logCtx, logging.SubsystemServer, "Request finished", map[string]any{
		"request_id":    key.id,
		"connection_id": key.conn.ID(),
		"operation":     lr.op.String(),
		"duration_ms":   time.Since(lr.started).Milliseconds(),
	})
}

func (p *Processor) cancelRequest(conn rpc.Connection, env *wire.Envelope) {
	p.mu.Lock()
	lr, ok := p.requests[requestKey{conn: conn, id: env.RequestID}]
	p.mu.Unlock()

	if !ok {
		// The request finished while the cancel was in flight.
		tflog.SubsystemTrace(p.logCtx, logging.SubsystemServer, "Cancel for finished request", map[string]any{
			"request_id":    env.RequestID,
			"connection_id": conn.ID(),
			"operation":     env.Operation.String(),
		})
		return
	}

	lr.cancel()
	p.cancelled.Add(1)

	tflog.SubsystemDebug(p.logCtx, logging.SubsystemServer, "Request cancelled by client", map[string]any{
		"request_id":    env.RequestID,
		"connection_id": conn.ID(),
		"operation":     lr.op.String(),
	})
}

// runningIDs returns the ids of the requests running for conn.
func (p *Processor) runningIDs(conn rpc.Connection) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int64, 0, len(p.requests))
	for key := range p.requests {
		if key.conn == conn {
			ids = append(ids, key.id)
		}
	}
	return ids
}

func (p *Processor) answerControl(conn rpc.Connection, env *wire.Envelope) {
	ids := p.runningIDs(conn)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.wg.Go(func() {
		ex := p.newExchange(p.ctx, conn, env)
		ex.reply(&wire.ControlResponse{RequestIDs: ids})
	})
}

func (p *Processor) drop(conn rpc.Connection, env *wire.Envelope, reason string) {
	p.dropped.Add(1)

	fields := map[string]any{
		"category":      string(rpc.ErrorCategoryProtocolViolation),
		"reason":        reason,
		"connection_id": conn.ID(),
		"session_id":    p.sessionID,
	}
	if env != nil {
		fields["request_id"] = env.RequestID
		fields["operation"] = env.Operation.String()
		fields["kind"] = env.Kind.String()
	}
	tflog.SubsystemWarn(p.logCtx, logging.SubsystemServer, "Dropping unexpected envelope", fields)
}

// Stats returns processor statistics.
func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessorStats{
		Connections: len(p.conns),
		Running:     len(p.requests),
		Handled:     p.handled.Load(),
		Cancelled:   p.cancelled.Load(),
		Dropped:     p.dropped.Load(),
	}
}

// Close cancels every running request, closes the connections and waits for
// the request goroutines to exit.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]rpc.Connection, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	p.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	p.wg.Wait()

	tflog.SubsystemDebug(p.logCtx, logging.SubsystemServer, "Session closed", map[string]any{
		"session_id": p.sessionID,
		"handled":    p.handled.Load(),
	})
}
