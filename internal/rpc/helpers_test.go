package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/require"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/wire"
)

var errSendRefused = errors.New("send refused")

// fakeConn records every frame sent through it.
type fakeConn struct {
	id          string
	mu          sync.Mutex
	frames      [][]byte
	operational atomic.Bool
	refuse      atomic.Bool
}

func newFakeConn(id string) *fakeConn {
	c := &fakeConn{id: id}
	c.operational.Store(true)
	return c
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, message []byte) error {
	if c.refuse.Load() {
		return errSendRefused
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, bytes.Clone(message))
	return nil
}

func (c *fakeConn) IsOperational() bool { return c.operational.Load() }

func (c *fakeConn) Close() error {
	c.operational.Store(false)
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// sent decodes every frame sent so far.
func (c *fakeConn) sent(t *testing.T, g *Group) []*wire.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*wire.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := g.codec.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) sentOfKind(t *testing.T, g *Group, kind wire.MessageKind) []*wire.Envelope {
	t.Helper()
	var out []*wire.Envelope
	for _, env := range c.sent(t, g) {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func newTestGroup(t *testing.T, opts ...GroupOption) (*Group, *bytes.Buffer) {
	t.Helper()

	var output bytes.Buffer
	ctx := logging.NewContext(tflogtest.RootLogger(context.Background(), &output))

	g, err := NewGroup(ctx, &Config{CheckInterval: -1, BatchIdleTimeout: time.Second}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	return g, &output
}

func addConn(t *testing.T, g *Group, id string) *fakeConn {
	t.Helper()
	c := newFakeConn(id)
	require.NoError(t, g.Add(c))
	return c
}

// deliver encodes env and feeds it to the group as if it arrived on conn.
func deliver(t *testing.T, g *Group, conn Connection, env *wire.Envelope) {
	t.Helper()
	frame, err := g.codec.Encode(env)
	require.NoError(t, err)
	g.OnReceive(conn, frame)
}

func respond(t *testing.T, g *Group, conn Connection, id int64, op wire.OperationKind, payload any) {
	t.Helper()
	env, err := wire.NewResponse(id, op, payload)
	require.NoError(t, err)
	deliver(t, g, conn, env)
}

func streamItem(t *testing.T, id int64, op wire.OperationKind, seq int64, payload any) *wire.Envelope {
	t.Helper()
	env, err := wire.NewResponse(id, op, payload)
	require.NoError(t, err)
	env.Sequence = seq
	return env
}

func streamLast(t *testing.T, id int64, op wire.OperationKind, seq int64, payload any) *wire.Envelope {
	t.Helper()
	env := streamItem(t, id, op, seq, payload)
	env.Last = true
	return env
}

func createOp() Operation[framework.Uid] {
	return Unary(wire.OpCreate, &wire.Target{ConnectorKey: testKey},
		&wire.CreateRequest{ObjectClass: framework.ObjectClassAccount},
		func(env *wire.Envelope) (framework.Uid, error) {
			resp, err := wire.Decode[wire.UidResponse](env)
			return resp.Uid, err
		})
}

var testKey = framework.ConnectorKey{BundleName: "test.bundle", BundleVersion: "1.0", ConnectorName: "memory"}

func userObject(n int) framework.ConnectorObject {
	return framework.ConnectorObject{
		ObjectClass: framework.ObjectClassAccount,
		Uid:         framework.Uid{Value: fmt.Sprint(n)},
		Name:        fmt.Sprintf("user%d", n),
	}
}

func waitSettled[T any](t *testing.T, p *Promise[T]) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("promise did not settle")
	}
}
