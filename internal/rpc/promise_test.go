package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromise_SingleAssignment(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		first     func(p *Promise[int]) bool
		wantState PromiseState
		wantValue int
		wantErr   error
	}{
		{
			name:      "resolve wins",
			first:     func(p *Promise[int]) bool { return p.Resolve(7) },
			wantState: PromiseResolved,
			wantValue: 7,
		},
		{
			name:      "reject wins",
			first:     func(p *Promise[int]) bool { return p.Reject(boom) },
			wantState: PromiseRejected,
			wantErr:   boom,
		},
		{
			name:      "cancel wins",
			first:     func(p *Promise[int]) bool { return p.Cancel() },
			wantState: PromiseCancelled,
			wantErr:   ErrCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPromise[int]()
			require.True(t, tt.first(p))

			assert.False(t, p.Resolve(99))
			assert.False(t, p.Reject(errors.New("late")))
			assert.False(t, p.Cancel())

			assert.Equal(t, tt.wantState, p.State())
			v, err := p.Await(context.Background())
			assert.Equal(t, tt.wantValue, v)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPromise_ConcurrentSettleOnce(t *testing.T) {
	p := NewPromise[int]()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			var won bool
			switch i % 3 {
			case 0:
				won = p.Resolve(i)
			case 1:
				won = p.Reject(errors.New("x"))
			default:
				won = p.Cancel()
			}
			if won {
				wins.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.NotEqual(t, PromisePending, p.State())
}

func TestPromise_OnSettled(t *testing.T) {
	p := NewPromise[string]()

	calls := 0
	p.OnSettled(func() { calls++ })
	assert.Equal(t, 0, calls)

	p.Resolve("done")
	assert.Equal(t, 1, calls)

	// Registered after settlement: runs immediately.
	p.OnSettled(func() { calls++ })
	assert.Equal(t, 2, calls)
}

func TestPromise_AwaitContext(t *testing.T) {
	p := NewPromise[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, PromisePending, p.State(), "leaving Await must not settle the promise")

	_, err = p.Result()
	assert.ErrorIs(t, err, ErrPending)
}

func TestNewRejected(t *testing.T) {
	err := NewTransportUnavailable(0, nil)
	p := NewRejected[int](err)

	assert.Equal(t, PromiseRejected, p.State())
	_, got := p.AwaitTimeout(time.Second)
	assert.True(t, IsTransportUnavailable(got))
}
