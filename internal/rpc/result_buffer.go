package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BufferState is the delivery state of a ResultBuffer.
type BufferState int

const (
	BufferCollecting BufferState = iota
	BufferDelivering
	BufferComplete
	BufferStopped
)

func (s BufferState) String() string {
	switch s {
	case BufferCollecting:
		return "collecting"
	case BufferDelivering:
		return "delivering"
	case BufferComplete:
		return "complete"
	case BufferStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ResultBuffer reassembles a sequence-numbered stream that may arrive out of
// order. Items are numbered from 1; the terminal marker carries the highest
// sequence. The receive side runs on the transport goroutine and only parks
// items; Process delivers them on the consumer's goroutine in sequence order,
// followed by the terminal payload.
type ResultBuffer[I, R any] struct {
	mu          sync.Mutex
	state       BufferState
	next        int64
	parked      map[int64]I
	hasLast     bool
	lastSeq     int64
	terminal    R
	terminalErr error
	progress    time.Time
	received    time.Time
	ready       chan struct{}
	now         func() time.Time
}

// NewResultBuffer creates an empty buffer expecting sequence 1.
func NewResultBuffer[I, R any]() *ResultBuffer[I, R] {
	b := &ResultBuffer[I, R]{
		next:   1,
		parked: make(map[int64]I),
		ready:  make(chan struct{}, 1),
		now:    time.Now,
	}
	b.received = b.now()
	return b
}

func (b *ResultBuffer[I, R]) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Ready receives a value whenever new input may be deliverable.
func (b *ResultBuffer[I, R]) Ready() <-chan struct{} {
	return b.ready
}

func (b *ResultBuffer[I, R]) finished() bool {
	return b.state == BufferComplete || b.state == BufferStopped
}

// ReceiveNext parks item under seq. It reports false, keeping nothing, for a
// duplicate, an already delivered sequence or one at or past the terminal.
func (b *ResultBuffer[I, R]) ReceiveNext(seq int64, item I) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.received = b.now()
	if b.finished() || seq < b.next || (b.hasLast && seq >= b.lastSeq) {
		return false
	}
	if _, dup := b.parked[seq]; dup {
		return false
	}

	b.parked[seq] = item
	if seq == b.next {
		b.progress = b.now()
	}
	b.signal()
	return true
}

// ReceiveLast records the terminal marker. Its payload is delivered only after
// every lower sequence.
func (b *ResultBuffer[I, R]) ReceiveLast(seq int64, result R, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.received = b.now()
	if b.finished() || b.hasLast || seq < b.next {
		return false
	}
	for parked := range b.parked {
		if parked >= seq {
			return false
		}
	}

	b.hasLast = true
	b.lastSeq = seq
	b.terminal = result
	b.terminalErr = err
	if seq == b.next {
		b.progress = b.now()
	}
	b.signal()
	return true
}

// Process delivers every item that is now in order to handle, on the calling
// goroutine. It reports true once the buffer is complete or stopped. A handle
// returning false stops the buffer and discards what is parked.
func (b *ResultBuffer[I, R]) Process(handle func(I) bool) bool {
	for {
		b.mu.Lock()
		if b.finished() {
			b.mu.Unlock()
			return true
		}

		item, ok := b.parked[b.next]
		if !ok {
			if b.hasLast && b.next == b.lastSeq {
				b.state = BufferComplete
				b.mu.Unlock()
				return true
			}
			b.mu.Unlock()
			return false
		}

		delete(b.parked, b.next)
		b.next++
		b.state = BufferDelivering
		b.progress = b.now()
		b.mu.Unlock()

		if !handle(item) {
			b.Stop()
			return true
		}
	}
}

// Stop discards parked items and ends delivery. A complete buffer stays
// complete.
func (b *ResultBuffer[I, R]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BufferComplete {
		return
	}
	b.state = BufferStopped
	clear(b.parked)
	b.signal()
}

// State returns the delivery state.
func (b *ResultBuffer[I, R]) State() BufferState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HasLast reports whether the terminal marker has arrived.
func (b *ResultBuffer[I, R]) HasLast() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasLast
}

// HasAll reports whether the terminal marker has arrived and every item below
// it has been delivered.
func (b *ResultBuffer[I, R]) HasAll() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasLast && b.next == b.lastSeq
}

// Remaining returns the number of items received but not yet delivered.
func (b *ResultBuffer[I, R]) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.parked)
}

// Terminal returns the terminal payload.
func (b *ResultBuffer[I, R]) Terminal() (R, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal, b.terminalErr
}

// Stalled reports whether something has been deliverable for longer than idle
// without the consumer taking it. Waiting on the network is not a stall.
func (b *ResultBuffer[I, R]) Stalled(now time.Time, idle time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished() {
		return false
	}
	_, deliverable := b.parked[b.next]
	if !deliverable && !(b.hasLast && b.next == b.lastSeq) {
		return false
	}
	return now.Sub(b.progress) > idle
}

// NetworkIdle reports whether the stream is still open and nothing has been
// received for longer than idle.
func (b *ResultBuffer[I, R]) NetworkIdle(now time.Time, idle time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished() || b.hasLast {
		return false
	}
	return now.Sub(b.received) > idle
}

// Drive runs the consumer loop for a streaming request on the calling
// goroutine until the stream ends, the request settles or ctx is done. When
// the stream completes, the request resolves with the terminal payload. When
// handle returns false the request is cancelled and Drive returns the zero
// value with a nil error.
func Drive[I, R any](ctx context.Context, r *OperationRequest[R], buf *ResultBuffer[I, R], handle func(I) bool) (R, error) {
	var zero R
	p := r.Promise()

	stoppedByConsumer := false
	deliver := func(item I) bool {
		if p.State() != PromisePending {
			return false
		}
		if !handle(item) {
			stoppedByConsumer = true
			return false
		}
		return true
	}

	for {
		if buf.Process(deliver) {
			if buf.State() == BufferComplete {
				v, err := buf.Terminal()
				if err != nil {
					r.Reject(err)
				} else {
					r.Resolve(v)
				}
				return p.Result()
			}

			if stoppedByConsumer && r.Cancel() {
				return zero, nil
			}
			return p.Result()
		}

		select {
		case <-buf.Ready():
		case <-p.Done():
			buf.Stop()
			return p.Result()
		case <-ctx.Done():
			buf.Stop()
			if r.Cancel() {
				return zero, ctx.Err()
			}
			return p.Result()
		}
	}
}
