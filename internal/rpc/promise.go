package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PromiseState is the lifecycle state of a Promise.
type PromiseState int

const (
	PromisePending PromiseState = iota
	PromiseResolved
	PromiseRejected
	PromiseCancelled
)

func (s PromiseState) String() string {
	switch s {
	case PromisePending:
		return "pending"
	case PromiseResolved:
		return "resolved"
	case PromiseRejected:
		return "rejected"
	case PromiseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Promise is a single-assignment result cell. The first of Resolve, Reject or
// Cancel wins; later calls are no-ops and report false.
type Promise[T any] struct {
	mu        sync.Mutex
	state     PromiseState
	value     T
	err       error
	done      chan struct{}
	callbacks []func()
}

// NewPromise creates a pending promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// NewRejected creates a promise already failed with err.
func NewRejected[T any](err error) *Promise[T] {
	p := NewPromise[T]()
	p.Reject(err)
	return p
}

// NewResolved creates a promise already resolved with v.
func NewResolved[T any](v T) *Promise[T] {
	p := NewPromise[T]()
	p.Resolve(v)
	return p
}

func (p *Promise[T]) settle(state PromiseState, v T, err error) bool {
	p.mu.Lock()
	if p.state != PromisePending {
		p.mu.Unlock()
		return false
	}
	p.state = state
	p.value = v
	p.err = err
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return true
}

// Resolve completes the promise with v.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(PromiseResolved, v, nil)
}

// Reject fails the promise with err.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(PromiseRejected, zero, err)
}

// Cancel moves a pending promise to the cancelled state.
func (p *Promise[T]) Cancel() bool {
	var zero T
	return p.settle(PromiseCancelled, zero, ErrCancelled)
}

// State returns the current state.
func (p *Promise[T]) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the promise leaves the pending state.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome without blocking. A pending promise reports
// ErrPending.
func (p *Promise[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PromisePending {
		var zero T
		return zero, ErrPending
	}
	return p.value, p.err
}

// Await blocks until the promise settles or ctx is done. Leaving early does
// not change the promise.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitTimeout is Await with a relative deadline. A non-positive timeout
// waits forever.
func (p *Promise[T]) AwaitTimeout(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return p.Await(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Await(ctx)
}

// OnSettled registers fn to run once the promise settles. If it already has,
// fn runs immediately on the calling goroutine.
func (p *Promise[T]) OnSettled(fn func()) {
	p.mu.Lock()
	if p.state == PromisePending {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}
