package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/wire"
)

// BatchObserver receives batch results in submission order, then exactly one
// completion. Both methods run on the goroutine calling Run.
type BatchObserver interface {
	// OnNext returns false to stop delivery and cancel the batch.
	OnNext(result framework.BatchResult) bool
	OnCompleted()
}

// batchState combines the two completion signals into one state.
type batchState int

const (
	batchRunning     batchState = iota // neither signal seen
	batchResultsDone                   // results delivered, waiting for the command acknowledgment
	batchCommandDone                   // command acknowledged, waiting for results
	batchComplete
	batchTimedOut
	batchStopped
)

func (s batchState) String() string {
	switch s {
	case batchRunning:
		return "running"
	case batchResultsDone:
		return "results_done"
	case batchCommandDone:
		return "command_done"
	case batchComplete:
		return "complete"
	case batchTimedOut:
		return "timed_out"
	case batchStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// BatchCoordinator reorders batch task results by task index and resolves the
// batch once both the result stream and the command acknowledgment are
// complete. Offer is called from the transport goroutine; every other field is
// owned by the goroutine running Run.
type BatchCoordinator struct {
	logCtx   context.Context
	observer BatchObserver
	idle     time.Duration

	mu    sync.Mutex
	queue []*wire.BatchResponse
	wake  chan struct{}

	state     batchState
	next      int
	parked    map[int]framework.BatchResult
	total     int
	token     *framework.BatchToken
	completed bool
}

// NewBatchCoordinator creates a coordinator that gives up after idle without
// any message.
func NewBatchCoordinator(ctx context.Context, observer BatchObserver, idle time.Duration) *BatchCoordinator {
	return &BatchCoordinator{
		logCtx:   ctx,
		observer: observer,
		idle:     idle,
		wake:     make(chan struct{}, 1),
		parked:   make(map[int]framework.BatchResult),
		total:    -1,
	}
}

// Operation builds the request whose responses feed this coordinator.
func (c *BatchCoordinator) Operation(kind wire.OperationKind, target *wire.Target, request any) Operation[framework.BatchToken] {
	return Operation[framework.BatchToken]{
		Kind:    kind,
		Target:  target,
		Request: request,
		Handle: func(r *OperationRequest[framework.BatchToken], env *wire.Envelope) {
			if env.Error != nil {
				r.Reject(env.Error.Err())
				return
			}
			msg, err := wire.Decode[wire.BatchResponse](env)
			if err != nil {
				r.Reject(err)
				return
			}
			c.Offer(&msg)
		},
	}
}

// Offer queues a batch message for the owner goroutine.
func (c *BatchCoordinator) Offer(msg *wire.BatchResponse) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *BatchCoordinator) take() []*wire.BatchResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

// IncompleteBatchError is returned when a batch goes quiet before both
// completion signals arrive. Token is the continuation token acknowledged by
// the remote side, zero when the command was never acknowledged.
type IncompleteBatchError struct {
	Token framework.BatchToken
	err   *Error
}

func (e *IncompleteBatchError) Error() string {
	return e.err.Error()
}

func (e *IncompleteBatchError) Unwrap() error {
	return e.err
}

// TimedOut reports whether Run gave up waiting for the completion signals.
func (c *BatchCoordinator) TimedOut() bool {
	return c.state == batchTimedOut
}

// Run delivers results to the observer until the batch completes, the
// observer stops, the request fails or the idle timeout fires. It resolves r
// with the continuation token. If the observer stops the batch, Run cancels r
// and returns the zero token with a nil error. On the idle timeout r is
// rejected with an *IncompleteBatchError and Run returns its token alongside
// it.
func (c *BatchCoordinator) Run(ctx context.Context, r *OperationRequest[framework.BatchToken]) (framework.BatchToken, error) {
	p := r.Promise()

	timer := time.NewTimer(c.idle)
	defer timer.Stop()

	for {
		select {
		case <-c.wake:
			for _, msg := range c.take() {
				c.apply(msg)
				if c.state == batchStopped {
					break
				}
			}

			switch c.state {
			case batchComplete:
				r.Resolve(*c.token)
				return p.Result()
			case batchStopped:
				if r.Cancel() {
					return framework.BatchToken{}, nil
				}
				return p.Result()
			}
			timer.Reset(c.idle)

		case <-timer.C:
			incomplete := c.timeout(r)
			if !r.Reject(incomplete) {
				return p.Result()
			}
			return incomplete.Token, incomplete

		case <-p.Done():
			return p.Result()

		case <-ctx.Done():
			if r.Cancel() {
				return framework.BatchToken{}, ctx.Err()
			}
			return p.Result()
		}
	}
}

func (c *BatchCoordinator) apply(msg *wire.BatchResponse) {
	switch msg.Kind {
	case wire.BatchTaskResult:
		idx := msg.TaskIndex
		_, dup := c.parked[idx]
		if idx < c.next || dup || (c.total >= 0 && idx >= c.total) {
			c.drop(msg, "duplicate or out-of-range task index")
			return
		}
		c.parked[idx] = msg.Result()

	case wire.BatchResultsComplete:
		if c.total >= 0 {
			c.drop(msg, "duplicate completion marker")
			return
		}
		c.total = msg.Count

	case wire.BatchCommandComplete:
		if c.token != nil {
			c.drop(msg, "duplicate command acknowledgment")
			return
		}
		token := framework.BatchToken{}
		if msg.Token != nil {
			token = *msg.Token
		}
		c.token = &token
		if !token.ReturnsResults && c.total < 0 {
			c.total = c.next + len(c.parked)
		}
		c.markCommandDone()

	default:
		c.drop(msg, "unknown batch message")
		return
	}

	c.deliver()
}

// deliver hands the contiguous prefix of parked results to the observer and
// emits the completion once every result up to the marker has been delivered.
func (c *BatchCoordinator) deliver() {
	for c.state != batchStopped {
		res, ok := c.parked[c.next]
		if !ok {
			break
		}
		delete(c.parked, c.next)
		c.next++

		if !c.observer.OnNext(res) {
			c.state = batchStopped
			clear(c.parked)
			return
		}
	}

	if c.state == batchStopped || c.completed || c.total < 0 || c.next < c.total {
		return
	}

	c.completed = true
	c.observer.OnCompleted()
	c.markResultsDone()
}

func (c *BatchCoordinator) markResultsDone() {
	switch c.state {
	case batchRunning:
		c.state = batchResultsDone
	case batchCommandDone:
		c.state = batchComplete
	}
}

func (c *BatchCoordinator) markCommandDone() {
	switch c.state {
	case batchRunning:
		c.state = batchCommandDone
	case batchResultsDone:
		c.state = batchComplete
	}
}

func (c *BatchCoordinator) timeout(r *OperationRequest[framework.BatchToken]) *IncompleteBatchError {
	fields := map[string]any{
		"request_id":     r.ID(),
		"state":          c.state.String(),
		"next_task":      c.next,
		"expected_total": c.total,
		"parked":         len(c.parked),
		"has_token":      c.token != nil,
		"idle_timeout":   c.idle.String(),
	}
	tflog.SubsystemWarn(c.logCtx, logging.SubsystemRPC, "Batch did not complete before idle timeout", fields)

	if !c.completed {
		c.completed = true
		c.observer.OnCompleted()
	}
	waiting := c.state
	c.state = batchTimedOut

	token := framework.BatchToken{}
	if c.token != nil {
		token = *c.token
	}
	return &IncompleteBatchError{
		Token: token,
		err: &Error{
			Operation:    r.Kind(),
			Category:     ErrorCategoryIncompleteBatch,
			RequestID:    r.ID(),
			ConnectionID: r.ConnectionID(),
			Message:      fmt.Sprintf("nothing received for %s while %s", c.idle, waiting),
		},
	}
}

func (c *BatchCoordinator) drop(msg *wire.BatchResponse, reason string) {
	tflog.SubsystemWarn(c.logCtx, logging.SubsystemRPC, "Dropping unexpected batch message", map[string]any{
		"category":   string(ErrorCategoryProtocolViolation),
		"reason":     reason,
		"kind":       msg.Kind.String(),
		"task_index": msg.TaskIndex,
	})
}
