package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/rpc"
)

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("connection closed")

var errNotStarted = errors.New("connection not started")

// Conn is one WebSocket carrying envelope frames. A read loop hands every
// non-empty binary frame to the listener; a write pump serializes outgoing
// frames and sends an empty keepalive frame when idle. Conn implements
// rpc.Connection.
type Conn struct {
	id     string
	ws     *websocket.Conn
	config *Config
	logCtx context.Context

	listener rpc.Listener
	send     chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newConn(ctx context.Context, ws *websocket.Conn, config *Config) *Conn {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Conn{
		id:     ulid.Make().String(),
		ws:     ws,
		config: config,
		logCtx: context.WithoutCancel(ctx),
		send:   make(chan []byte, config.SendQueue),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if config.MaxMessageSize > 0 {
		ws.SetReadLimit(config.MaxMessageSize)
	}
	return c
}

// ID returns the connection id, a ULID assigned when the socket opened.
func (c *Conn) ID() string {
	return c.id
}

// Start runs the read loop and write pump, delivering frames and the final
// close notification to listener. Start must be called exactly once.
func (c *Conn) Start(listener rpc.Listener) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.listener = listener

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.readLoop() })
	g.Go(func() error { return c.writePump(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return c.ws.Close()
	})

	go func() {
		c.finish(g.Wait())
	}()

	logging.LogConnectionEvent(c.logCtx, logging.SubsystemTransport, "connection_established", map[string]any{
		"connection_id": c.id,
		"remote_addr":   c.ws.RemoteAddr().String(),
	})
}

// Send queues message for the write pump. A nil error means the frame was
// queued; a later write failure closes the connection instead. An error means
// nothing was sent.
func (c *Conn) Send(ctx context.Context, message []byte) error {
	if !c.started.Load() {
		return errNotStarted
	}
	if c.closed.Load() {
		return ErrClosed
	}

	select {
	case c.send <- message:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("send queue full: %w", ctx.Err())
	}
}

// IsOperational reports whether the connection can accept frames.
func (c *Conn) IsOperational() bool {
	return c.started.Load() && !c.closed.Load() && c.ctx.Err() == nil
}

// Close stops both loops. The listener's OnClosed runs once they have exited.
func (c *Conn) Close() error {
	if !c.started.Load() {
		c.closed.Store(true)
		c.cancel()
		return c.ws.Close()
	}
	c.cancel()
	return nil
}

// Done is closed after the listener has been told the connection closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, nil for a local Close.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

func (c *Conn) readLoop() error {
	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			return err
		}

		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				continue
			}
			c.listener.OnReceive(c, message)
		default:
			tflog.SubsystemTrace(c.logCtx, logging.SubsystemTransport, "Ignoring non-binary frame", map[string]any{
				"connection_id": c.id,
				"message_type":  messageType,
			})
		}
	}
}

func (c *Conn) writePump(ctx context.Context) error {
	ping := time.NewTicker(c.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(c.config.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return ctx.Err()

		case message := <-c.send:
			if err := c.write(message); err != nil {
				return err
			}
			ping.Reset(c.config.PingInterval)

		case <-ping.C:
			if err := c.write(nil); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) write(message []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	if message == nil {
		message = []byte{}
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, message)
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		// A local Close surfaces as whichever loop noticed first.
		if c.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = nil
		}
		c.cancel()
		c.err = err

		fields := map[string]any{
			"connection_id": c.id,
		}
		event := "connection_closed"
		if err != nil {
			event = "connection_lost"
			fields["error"] = err.Error()
		}
		logging.LogConnectionEvent(c.logCtx, logging.SubsystemTransport, event, fields)

		c.listener.OnClosed(c)
		close(c.done)
	})
}

// Dial opens one socket to config.URL, authenticating as sessionID. The
// returned connection is not started.
func Dial(ctx context.Context, config *Config, sessionID string) (*Conn, error) {
	config, err := applyDefaults(config)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if config.URL == "" {
		return nil, errors.New("url is required")
	}

	token, err := SignToken([]byte(config.Secret), config.Subject, sessionID, config.TokenLifetime)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, config.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", config.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", config.URL, err)
	}

	return newConn(ctx, ws, config), nil
}

// Connect opens config.Connections sockets and adds each to group.
func Connect(ctx context.Context, config *Config, group *rpc.Group) error {
	config, err := applyDefaults(config)
	if err != nil {
		return err
	}

	for i := range config.Connections {
		conn, err := Dial(ctx, config, group.SessionID())
		if err != nil {
			return fmt.Errorf("connection %d of %d: %w", i+1, config.Connections, err)
		}
		if err := group.Add(conn); err != nil {
			_ = conn.Close()
			return err
		}
		conn.Start(group)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemTransport, "Connection group connected", map[string]any{
		"url":         config.URL,
		"session_id":  group.SessionID(),
		"connections": config.Connections,
	})
	return nil
}

// Acceptor upgrades authenticated HTTP requests to connections.
type Acceptor struct {
	config   *Config
	upgrader websocket.Upgrader
}

// NewAcceptor validates config and builds an acceptor.
func NewAcceptor(config *Config) (*Acceptor, error) {
	config, err := applyDefaults(config)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return &Acceptor{
		config: config,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}, nil
}

// Accept verifies the bearer token and upgrades the request. On failure it
// has already written the HTTP error response. The returned connection is
// not started.
func (a *Acceptor) Accept(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Conn, *Claims, error) {
	raw, err := bearerToken(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil, nil, err
	}

	claims, err := VerifyToken([]byte(a.config.Secret), raw)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, nil, err
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("upgrade: %w", err)
	}

	return newConn(ctx, ws, a.config), claims, nil
}
