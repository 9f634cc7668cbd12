// Package rpc correlates asynchronous requests with their responses over a
// group of message-oriented connections.
//
// A Group assigns each request an id unique among the pending requests of its
// connection, routes every incoming envelope to the request it answers and
// fails the requests of a connection when it closes. Unary operations settle a
// Promise from a single response. Streaming operations feed a ResultBuffer,
// which reorders numbered partials and withholds the terminal result until
// every lower sequence has been delivered. Batch operations are coordinated by
// a BatchCoordinator, which orders task results by index and completes once
// both the result stream and the command acknowledgment have ended.
//
// A periodic liveness check fails streaming operations whose local consumer
// stopped taking results, and asks the remote side which requests it still
// runs so that requests it lost can be failed.
package rpc
