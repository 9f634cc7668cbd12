package rpc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/isometry/icf-remote/internal/wire"
)

// ErrorCategory represents the failure classes raised by the correlation layer.
// Connector failures are not wrapped: they surface as *framework.ConnectorError.
type ErrorCategory string

const (
	ErrorCategoryTransportUnavailable ErrorCategory = "transport_unavailable"
	ErrorCategoryConnectionLost       ErrorCategory = "connection_lost"
	ErrorCategoryConsumerStalled      ErrorCategory = "consumer_stalled"
	ErrorCategoryNetworkIdle          ErrorCategory = "network_idle"
	ErrorCategoryIncompleteBatch      ErrorCategory = "incomplete_batch"
	ErrorCategoryProtocolViolation    ErrorCategory = "protocol_violation"
	ErrorCategoryRemoteInconsistent   ErrorCategory = "remote_inconsistent"
	ErrorCategoryClosed               ErrorCategory = "closed"
)

var (
	// ErrCancelled is returned by Await for a cancelled operation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrPending is returned by Result for an unsettled promise.
	ErrPending = errors.New("operation pending")
)

// Error is a failure raised locally by the correlation layer.
type Error struct {
	Operation    wire.OperationKind // Operation that failed (zero if none)
	Category     ErrorCategory      // Error category
	RequestID    int64              // Request id (zero before allocation)
	ConnectionID string             // Connection the request was bound to
	Message      string             // Human-readable message
	Cause        error              // Underlying error
}

func (e *Error) Error() string {
	var parts []string

	if e.Operation != 0 {
		parts = append(parts, fmt.Sprintf("%s failed (%s)", e.Operation, e.Category))
	} else {
		parts = append(parts, fmt.Sprintf("rpc failed (%s)", e.Category))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.RequestID != 0 {
		parts = append(parts, fmt.Sprintf("request: %d", e.RequestID))
	}

	if e.ConnectionID != "" {
		parts = append(parts, fmt.Sprintf("connection: %s", e.ConnectionID))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %s", e.Cause))
	}

	return strings.Join(parts, " - ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewTransportUnavailable reports that no connection could carry a request.
// Each call returns a distinct value.
func NewTransportUnavailable(op wire.OperationKind, cause error) *Error {
	return &Error{
		Operation: op,
		Category:  ErrorCategoryTransportUnavailable,
		Message:   "no operational connection available",
		Cause:     cause,
	}
}

// NewConnectionLost reports that the connection carrying a request closed.
func NewConnectionLost(op wire.OperationKind, requestID int64, connectionID string) *Error {
	return &Error{
		Operation:    op,
		Category:     ErrorCategoryConnectionLost,
		RequestID:    requestID,
		ConnectionID: connectionID,
		Message:      "connection closed before the operation completed",
	}
}

// NewConsumerStalled reports that local delivery stopped making progress.
func NewConsumerStalled(op wire.OperationKind, requestID int64, remaining int) *Error {
	return &Error{
		Operation: op,
		Category:  ErrorCategoryConsumerStalled,
		RequestID: requestID,
		Message:   fmt.Sprintf("consumer did not make progress with %d results waiting", remaining),
	}
}

// NewNetworkIdle reports that a stream received nothing for longer than idle.
func NewNetworkIdle(op wire.OperationKind, requestID int64, connectionID string, idle time.Duration) *Error {
	return &Error{
		Operation:    op,
		Category:     ErrorCategoryNetworkIdle,
		RequestID:    requestID,
		ConnectionID: connectionID,
		Message:      fmt.Sprintf("nothing received for %s", idle),
	}
}

// NewRemoteInconsistent reports that the remote side no longer knows a request.
func NewRemoteInconsistent(op wire.OperationKind, requestID int64, connectionID string) *Error {
	return &Error{
		Operation:    op,
		Category:     ErrorCategoryRemoteInconsistent,
		RequestID:    requestID,
		ConnectionID: connectionID,
		Message:      "operation finished on remote server with unknown result",
	}
}

func newClosedError(op wire.OperationKind, requestID int64) *Error {
	return &Error{
		Operation: op,
		Category:  ErrorCategoryClosed,
		RequestID: requestID,
		Message:   "connection group closed",
	}
}

// GetErrorCategory returns the category of err, or "" if err was not raised
// by this package.
func GetErrorCategory(err error) ErrorCategory {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Category
	}
	return ""
}

// IsTransportUnavailable checks if err means the request could not be carried,
// either because no connection existed or because its connection was lost.
func IsTransportUnavailable(err error) bool {
	switch GetErrorCategory(err) {
	case ErrorCategoryTransportUnavailable, ErrorCategoryConnectionLost, ErrorCategoryClosed:
		return true
	default:
		return false
	}
}

// IsConnectionLost checks if err reports a lost connection.
func IsConnectionLost(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConnectionLost
}

// IsConsumerStalled checks if err reports a stalled local consumer.
func IsConsumerStalled(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConsumerStalled
}

// IsNetworkIdle checks if err reports a stream that went silent.
func IsNetworkIdle(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNetworkIdle
}

// IsIncompleteBatch checks if err reports a batch abandoned before both
// completion signals arrived.
func IsIncompleteBatch(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryIncompleteBatch
}

// IsRemoteInconsistent checks if err reports a request the remote side lost.
func IsRemoteInconsistent(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryRemoteInconsistent
}

// IsCancelled checks if err reports a cancelled operation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
