package rpc

import "context"

// Connection is one transport channel to a remote endpoint. Send must not
// return an error after any byte of message has been written.
type Connection interface {
	ID() string
	Send(ctx context.Context, message []byte) error
	IsOperational() bool
	Close() error
}

// Listener receives traffic and lifecycle notifications from connections.
// OnReceive is called from the connection's read goroutine, in arrival order.
// OnClosed is called exactly once per connection.
type Listener interface {
	OnReceive(conn Connection, message []byte)
	OnClosed(conn Connection)
}
