package server

import (
	"context"
	"sync"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/rpc"
	"github.com/isometry/icf-remote/internal/wire"
)

// exchange writes the responses of one request. Unary operations answer with
// reply or fail; streams send numbered items from 1 and close with last or
// fail at the next sequence.
type exchange struct {
	p    *Processor
	ctx  context.Context
	conn rpc.Connection
	id   int64
	op   wire.OperationKind

	mu  sync.Mutex
	seq int64
}

func (p *Processor) newExchange(ctx context.Context, conn rpc.Connection, env *wire.Envelope) *exchange {
	return &exchange{p: p, ctx: ctx, conn: conn, id: env.RequestID, op: env.Operation}
}

func (ex *exchange) send(env *wire.Envelope) bool {
	frame, err := ex.p.codec.Encode(env)
	if err != nil {
		tflog.SubsystemError(ex.p.logCtx, logging.SubsystemServer, "Failed to encode response", map[string]any{
			"request_id": ex.id,
			"operation":  ex.op.String(),
			"error":      err.Error(),
		})
		return false
	}

	ctx, cancel := context.WithTimeout(ex.ctx, ex.p.config.SendTimeout)
	defer cancel()

	if err := ex.conn.Send(ctx, frame); err != nil {
		tflog.SubsystemDebug(ex.p.logCtx, logging.SubsystemServer, "Response not delivered", map[string]any{
			"request_id":    ex.id,
			"operation":     ex.op.String(),
			"connection_id": ex.conn.ID(),
			"error":         err.Error(),
		})
		return false
	}
	return true
}

// abandoned reports whether nobody waits for the outcome any more: the client
// cancelled, the connection closed or the server is stopping.
func (ex *exchange) abandoned() bool {
	return ex.ctx.Err() != nil
}

func (ex *exchange) encodeFailure(err error) *wire.Envelope {
	env, _ := wire.NewResponse(ex.id, ex.op, nil)
	env.Error = wire.NewRemoteError(err)
	return env
}

func (ex *exchange) response(payload any) *wire.Envelope {
	env, err := wire.NewResponse(ex.id, ex.op, payload)
	if err != nil {
		return ex.encodeFailure(framework.WrapError(framework.KindConnectorIO, err))
	}
	return env
}

// reply sends the single response of a unary operation.
func (ex *exchange) reply(payload any) {
	if ex.abandoned() {
		return
	}
	env := ex.response(payload)
	env.Last = true
	ex.send(env)
}

// fail sends a terminal error. On a stream it takes the sequence after the
// last item.
func (ex *exchange) fail(err error) {
	if ex.abandoned() {
		return
	}

	env := wire.NewErrorResponse(ex.id, ex.op, err)
	if ex.op.Streaming() {
		ex.mu.Lock()
		env.Sequence = ex.seq + 1
		ex.mu.Unlock()
	}
	ex.send(env)
}

// item sends the next stream item. It reports false once the item could not
// be delivered and the producer should stop.
func (ex *exchange) item(payload any) bool {
	if ex.abandoned() {
		return false
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	env := ex.response(payload)
	if env.Error != nil {
		env.Sequence = ex.seq + 1
		env.Last = true
		ex.send(env)
		return false
	}

	ex.seq++
	env.Sequence = ex.seq
	return ex.send(env)
}

// last closes a stream with its terminal payload.
func (ex *exchange) last(payload any) {
	if ex.abandoned() {
		return
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	env := ex.response(payload)
	env.Sequence = ex.seq + 1
	env.Last = true
	ex.send(env)
}

// batchSink forwards task results as they finish. The result stream and the
// command acknowledgment complete independently; whichever is sent second
// carries the terminal flag.
type batchSink struct {
	ex *exchange

	mu          sync.Mutex
	count       int
	resultsDone bool
	commandDone bool
	done        chan struct{}
}

func newBatchSink(ex *exchange) *batchSink {
	return &batchSink{ex: ex, done: make(chan struct{})}
}

// Sends happen under mu so the envelope carrying the terminal flag is always
// the last one written.
func (s *batchSink) Emit(r framework.BatchResult) bool {
	if s.ex.abandoned() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultsDone {
		return false
	}
	s.count++

	return s.ex.send(s.ex.response(&wire.BatchResponse{
		Kind:      wire.BatchTaskResult,
		TaskIndex: r.TaskIndex,
		Uid:       r.Uid,
		Error:     wire.NewRemoteError(r.Err),
	}))
}

func (s *batchSink) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultsDone {
		return
	}
	s.resultsDone = true
	defer close(s.done)

	if s.ex.abandoned() {
		return
	}
	env := s.ex.response(&wire.BatchResponse{Kind: wire.BatchResultsComplete, Count: s.count})
	env.Last = s.commandDone
	s.ex.send(env)
}

func (s *batchSink) command(token framework.BatchToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandDone = true

	if s.ex.abandoned() {
		return
	}
	env := s.ex.response(&wire.BatchResponse{Kind: wire.BatchCommandComplete, Token: &token})
	env.Last = s.resultsDone
	s.ex.send(env)
}

// wait blocks until the result stream completed or the request ended.
func (s *batchSink) wait() {
	select {
	case <-s.done:
	case <-s.ex.ctx.Done():
	}
}
