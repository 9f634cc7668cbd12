package server

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/require"

	"github.com/isometry/icf-remote/internal/connectors/memory"
	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/wire"
)

const testSecret = "server-test-secret"

func testContext() context.Context {
	return logging.NewContext(tflogtest.RootLogger(context.Background(), io.Discard))
}

// fakeConn queues every frame sent through it.
type fakeConn struct {
	id     string
	frames chan []byte
	closed atomic.Bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan []byte, 256)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, message []byte) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	select {
	case c.frames <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) IsOperational() bool { return !c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// next decodes the next frame sent on c.
func (c *fakeConn) next(t *testing.T, codec *wire.Codec) *wire.Envelope {
	t.Helper()
	select {
	case frame := <-c.frames:
		env, err := codec.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no response sent")
		return nil
	}
}

// until collects frames up to and including the first terminal envelope.
func (c *fakeConn) until(t *testing.T, codec *wire.Codec) []*wire.Envelope {
	t.Helper()
	var out []*wire.Envelope
	for {
		env := c.next(t, codec)
		out = append(out, env)
		if env.Last {
			return out
		}
	}
}

func (c *fakeConn) assertSilent(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-c.frames:
		t.Fatal("unexpected frame sent")
	case <-time.After(d):
	}
}

// bareConnector supports no operation at all.
type bareConnector struct{}

func (bareConnector) Init(context.Context, framework.Configuration) error { return nil }
func (bareConnector) Dispose()                                            {}

var bareKey = framework.ConnectorKey{BundleName: "test.bare", BundleVersion: "1.0", ConnectorName: "Bare"}

// countingConnector records its lifecycle. Init fails when the configuration
// asks it to.
type countingConnector struct {
	inits    *atomic.Int32
	disposed *atomic.Int32
}

func (c *countingConnector) Init(_ context.Context, cfg framework.Configuration) error {
	c.inits.Add(1)
	time.Sleep(20 * time.Millisecond)
	if cfg.Bool("fail") {
		return errors.New("init failed")
	}
	return nil
}

func (c *countingConnector) Dispose() { c.disposed.Add(1) }

var countingKey = framework.ConnectorKey{BundleName: "test.counting", BundleVersion: "1.0", ConnectorName: "Counting"}

type counters struct {
	created  atomic.Int32
	inits    atomic.Int32
	disposed atomic.Int32
}

func newTestRegistry(t *testing.T) (*Registry, *counters) {
	t.Helper()
	n := &counters{}

	r := NewRegistry(testContext())
	r.Register(memory.Key, memory.New)
	r.Register(bareKey, func() framework.Connector { return bareConnector{} })
	r.Register(countingKey, func() framework.Connector {
		n.created.Add(1)
		return &countingConnector{inits: &n.inits, disposed: &n.disposed}
	})
	t.Cleanup(r.Close)

	return r, n
}

type testProcessor struct {
	*Processor
	codec *wire.Codec
	conn  *fakeConn
}

func newTestProcessor(t *testing.T) *testProcessor {
	t.Helper()

	registry, _ := newTestRegistry(t)
	codec, err := wire.NewCodec(0, 0)
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	config, err := applyDefaults(&Config{})
	require.NoError(t, err)

	p := newProcessor(testContext(), "session-1", registry, codec, config)
	t.Cleanup(p.Close)

	conn := newFakeConn("c1")
	require.True(t, p.Attach(conn))

	return &testProcessor{Processor: p, codec: codec, conn: conn}
}

// request sends a request envelope as if it arrived on the processor's
// connection.
func (tp *testProcessor) request(t *testing.T, id int64, op wire.OperationKind, key framework.ConnectorKey, payload any) {
	t.Helper()
	env, err := wire.NewRequest(id, op, &wire.Target{ConnectorKey: key}, payload)
	require.NoError(t, err)
	tp.receive(t, env)
}

func (tp *testProcessor) receive(t *testing.T, env *wire.Envelope) {
	t.Helper()
	frame, err := tp.codec.Encode(env)
	require.NoError(t, err)
	tp.OnReceive(tp.conn, frame)
}

func userAttrs(name string) []framework.Attribute {
	return []framework.Attribute{framework.NewAttribute(framework.AttributeName, name)}
}
