package rpc

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/wire"
)

// Selector orders the operational connections a new request may use, most
// preferred first. Submit falls through the list only when a send fails
// before any byte was written.
type Selector interface {
	Order(conns []Connection) []Connection
}

// RoundRobin rotates the preferred connection on every request.
type RoundRobin struct {
	next atomic.Uint64
}

func (r *RoundRobin) Order(conns []Connection) []Connection {
	n := len(conns)
	if n == 0 {
		return nil
	}
	start := int((r.next.Add(1) - 1) % uint64(n))
	out := make([]Connection, 0, n)
	out = append(out, conns[start:]...)
	return append(out, conns[:start]...)
}

// First always prefers the oldest connection.
type First struct{}

func (First) Order(conns []Connection) []Connection {
	return conns
}

// GroupStats contains connection group statistics.
type GroupStats struct {
	Connections int
	Pending     int
	Submitted   int64
	Violations  int64
}

// GroupOption configures a Group.
type GroupOption func(*Group)

// WithSelector replaces the default round-robin selector.
func WithSelector(s Selector) GroupOption {
	return func(g *Group) { g.selector = s }
}

// WithSessionID sets the session id advertised by the transport handshake.
func WithSessionID(id string) GroupOption {
	return func(g *Group) { g.sessionID = id }
}

// connState is a connection together with its pending-request table.
type connState struct {
	conn    Connection
	pending *pendingTable
	nextID  atomic.Int64
	control atomic.Pointer[OperationRequest[[]int64]]
}

// allocateID returns the next request id, skipping zero and negatives.
func (cs *connState) allocateID() int64 {
	for {
		id := cs.nextID.Add(1)
		if id > 0 {
			return id
		}
		cs.nextID.CompareAndSwap(id, 0)
	}
}

// Group is a set of connections to one remote endpoint. It assigns request
// ids, keeps one pending-request table per connection, routes responses to
// their requests and fails a connection's requests when it closes. A Group is
// safe for concurrent use and implements Listener.
type Group struct {
	logCtx    context.Context
	config    *Config
	codec     *wire.Codec
	selector  Selector
	sessionID string

	mu     sync.RWMutex
	conns  []Connection
	states map[Connection]*connState
	closed bool

	submitted  atomic.Int64
	violations atomic.Int64

	checkStop chan struct{}
	checkWg   sync.WaitGroup
}

// NewGroup creates an empty connection group. ctx is used for logging only.
func NewGroup(ctx context.Context, config *Config, opts ...GroupOption) (*Group, error) {
	config, err := applyDefaults(config)
	if err != nil {
		return nil, err
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	codec, err := wire.NewCodec(config.compressThreshold(), config.MaxMessageSize)
	if err != nil {
		return nil, err
	}

	g := &Group{
		logCtx:    ctx,
		config:    config,
		codec:     codec,
		selector:  &RoundRobin{},
		sessionID: uuid.NewString(),
		states:    make(map[Connection]*connState),
		checkStop: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	if config.CheckInterval > 0 {
		g.startChecker()
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemRPC, "Connection group created", map[string]any{
		"session_id":          g.sessionID,
		"check_interval":      config.CheckInterval.String(),
		"stream_idle_timeout": config.StreamIdleTimeout.String(),
		"batch_idle_timeout":  config.BatchIdleTimeout.String(),
	})

	return g, nil
}

// SessionID identifies this group to the remote side.
func (g *Group) SessionID() string {
	return g.sessionID
}

// Config returns the effective configuration.
func (g *Group) Config() Config {
	return *g.config
}

// Add registers a connection. Its Listener must be this group.
func (g *Group) Add(conn Connection) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return errors.New("connection group is closed")
	}

	if _, exists := g.states[conn]; exists {
		return nil
	}

	g.conns = append(g.conns, conn)
	g.states[conn] = &connState{conn: conn, pending: newPendingTable()}

	logging.LogConnectionEvent(g.logCtx, logging.SubsystemRPC, "connection_added", map[string]any{
		"connection_id": conn.ID(),
		"connections":   len(g.conns),
	})

	return nil
}

// IsOperational reports whether any connection can carry a request.
func (g *Group) IsOperational() bool {
	return len(g.candidates()) > 0
}

// candidates returns the operational connections in selector order.
func (g *Group) candidates() []*connState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return nil
	}

	live := make([]Connection, 0, len(g.conns))
	for _, c := range g.conns {
		if c.IsOperational() {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil
	}

	ordered := g.selector.Order(live)
	out := make([]*connState, 0, len(ordered))
	for _, c := range ordered {
		if cs, ok := g.states[c]; ok {
			out = append(out, cs)
		}
	}
	return out
}

func (g *Group) connStates() []*connState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*connState, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, g.states[c])
	}
	return out
}

func (g *Group) lookup(conn Connection) *connState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.states[conn]
}

func (g *Group) detach(conn Connection) *connState {
	g.mu.Lock()
	defer g.mu.Unlock()

	cs, ok := g.states[conn]
	if !ok {
		return nil
	}
	delete(g.states, conn)
	g.conns = slices.DeleteFunc(g.conns, func(c Connection) bool { return c == conn })
	return cs
}

// OnReceive routes an incoming frame to the request it answers. Frames that
// cannot be matched are logged and dropped.
func (g *Group) OnReceive(conn Connection, message []byte) {
	env, err := g.codec.Decode(message)
	if err != nil {
		g.violation(conn, nil, "undecodable frame: "+err.Error())
		return
	}

	cs := g.lookup(conn)
	if cs == nil {
		g.violation(conn, env, "connection not registered")
		return
	}

	if env.Kind != wire.KindResponse {
		g.violation(conn, env, "unexpected "+env.Kind.String()+" envelope")
		return
	}

	entry, ok := cs.pending.get(env.RequestID)
	if !ok {
		g.violation(conn, env, "unknown or completed request")
		return
	}

	if entry.Kind() != env.Operation {
		g.violation(conn, env, "response kind does not match request "+entry.Kind().String())
		return
	}

	entry.handle(env)
}

// OnClosed fails every request pending on conn. Other connections are
// unaffected.
func (g *Group) OnClosed(conn Connection) {
	cs := g.detach(conn)
	if cs == nil {
		return
	}

	entries := cs.pending.drain()
	for _, e := range entries {
		e.abort(NewConnectionLost(e.Kind(), e.ID(), conn.ID()))
	}

	logging.LogConnectionEvent(g.logCtx, logging.SubsystemRPC, "connection_lost", map[string]any{
		"connection_id":  conn.ID(),
		"failed_pending": len(entries),
	})
}

// PendingCount returns the number of requests awaiting a terminal event.
func (g *Group) PendingCount() int {
	n := 0
	for _, cs := range g.connStates() {
		n += cs.pending.len()
	}
	return n
}

// Stats returns connection group statistics.
func (g *Group) Stats() GroupStats {
	states := g.connStates()
	pending := 0
	for _, cs := range states {
		pending += cs.pending.len()
	}
	return GroupStats{
		Connections: len(states),
		Pending:     pending,
		Submitted:   g.submitted.Load(),
		Violations:  g.violations.Load(),
	}
}

// Close fails every pending request and closes all connections.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	states := make([]*connState, 0, len(g.conns))
	for _, c := range g.conns {
		states = append(states, g.states[c])
	}
	g.conns = nil
	g.states = make(map[Connection]*connState)
	g.mu.Unlock()

	close(g.checkStop)
	g.checkWg.Wait()

	var errs []error
	for _, cs := range states {
		for _, e := range cs.pending.drain() {
			e.abort(newClosedError(e.Kind(), e.ID()))
		}
		if err := cs.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	g.codec.Close()

	tflog.SubsystemDebug(g.logCtx, logging.SubsystemRPC, "Connection group closed", map[string]any{
		"session_id":  g.sessionID,
		"connections": len(states),
	})

	return errors.Join(errs...)
}

func (g *Group) send(ctx context.Context, cs *connState, env *wire.Envelope) error {
	frame, err := g.codec.Encode(env)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, g.config.SendTimeout)
	defer cancel()

	return cs.conn.Send(ctx, frame)
}

func (g *Group) sendCancel(cs *connState, id int64, op wire.OperationKind) {
	if err := g.send(context.Background(), cs, wire.NewCancel(id, op)); err != nil {
		tflog.SubsystemDebug(g.logCtx, logging.SubsystemRPC, "Cancel not delivered", map[string]any{
			"request_id":    id,
			"operation":     op.String(),
			"connection_id": cs.conn.ID(),
			"error":         err.Error(),
		})
		return
	}

	tflog.SubsystemTrace(g.logCtx, logging.SubsystemRPC, "Cancel sent", map[string]any{
		"request_id":    id,
		"operation":     op.String(),
		"connection_id": cs.conn.ID(),
	})
}

// violation logs and counts a dropped envelope.
func (g *Group) violation(conn Connection, env *wire.Envelope, reason string) {
	g.violations.Add(1)

	fields := map[string]any{
		"category": string(ErrorCategoryProtocolViolation),
		"reason":   reason,
	}
	if conn != nil {
		fields["connection_id"] = conn.ID()
	}
	if env != nil {
		fields["request_id"] = env.RequestID
		fields["operation"] = env.Operation.String()
		fields["kind"] = env.Kind.String()
		fields["sequence"] = env.Sequence
	}

	tflog.SubsystemWarn(g.logCtx, logging.SubsystemRPC, "Dropping unexpected envelope", fields)
}

// Submit registers op on an operational connection and sends it. It returns
// nil, having sent nothing, when no connection can carry the request.
func Submit[T any](ctx context.Context, g *Group, op Operation[T]) *OperationRequest[T] {
	return submitTo(ctx, g, g.candidates(), op)
}

// Call submits op and returns its promise. Without an operational connection
// the promise is already rejected with a transport-unavailable error.
func Call[T any](ctx context.Context, g *Group, op Operation[T]) *Promise[T] {
	if r := Submit(ctx, g, op); r != nil {
		return r.Promise()
	}
	return NewRejected[T](NewTransportUnavailable(op.Kind, nil))
}

func submitTo[T any](ctx context.Context, g *Group, candidates []*connState, op Operation[T]) *OperationRequest[T] {
	if len(candidates) == 0 {
		tflog.SubsystemDebug(g.logCtx, logging.SubsystemRPC, "No operational connection for request", map[string]any{
			"operation": op.Kind.String(),
		})
		return nil
	}

	env, err := wire.NewRequest(0, op.Kind, op.Target, op.Request)
	if err != nil {
		r := newOperationRequest(g, nil, 0, op)
		r.promise.Reject(err)
		return r
	}

	for _, cs := range candidates {
		var r *OperationRequest[T]
		for {
			r = newOperationRequest(g, cs, cs.allocateID(), op)
			if cs.pending.insert(r) {
				break
			}
		}

		env.RequestID = r.id
		if err := g.send(ctx, cs, env); err != nil {
			cs.pending.remove(r)
			tflog.SubsystemWarn(g.logCtx, logging.SubsystemRPC, "Send failed, trying next connection", map[string]any{
				"operation":     op.Kind.String(),
				"request_id":    r.id,
				"connection_id": cs.conn.ID(),
				"error":         err.Error(),
			})
			continue
		}

		g.submitted.Add(1)
		r.promise.OnSettled(r.onSettled)

		tflog.SubsystemTrace(g.logCtx, logging.SubsystemRPC, "Request submitted", map[string]any{
			"operation":     op.Kind.String(),
			"request_id":    r.id,
			"connection_id": cs.conn.ID(),
		})
		return r
	}

	return nil
}
