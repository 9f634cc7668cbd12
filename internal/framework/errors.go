package framework

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind identifies an operation-specific failure reported by a connector.
type ErrorKind string

const (
	KindUnknownUid            ErrorKind = "unknown_uid"
	KindAlreadyExists         ErrorKind = "already_exists"
	KindInvalidCredential     ErrorKind = "invalid_credential"
	KindPasswordExpired       ErrorKind = "password_expired"
	KindInvalidPassword       ErrorKind = "invalid_password"
	KindPermissionDenied      ErrorKind = "permission_denied"
	KindInvalidAttributeValue ErrorKind = "invalid_attribute_value"
	KindConnectionFailed      ErrorKind = "connection_failed"
	KindConnectorIO           ErrorKind = "connector_io"
	KindOperationTimeout      ErrorKind = "operation_timeout"
	KindPreconditionFailed    ErrorKind = "precondition_failed"
	KindUnsupportedOperation  ErrorKind = "unsupported_operation"
	KindConfiguration         ErrorKind = "configuration"
	KindConnector             ErrorKind = "connector"
)

// Sentinels for errors.Is. Only the kind is compared.
var (
	ErrUnknownUid            = &ConnectorError{Kind: KindUnknownUid}
	ErrAlreadyExists         = &ConnectorError{Kind: KindAlreadyExists}
	ErrInvalidCredential     = &ConnectorError{Kind: KindInvalidCredential}
	ErrPasswordExpired       = &ConnectorError{Kind: KindPasswordExpired}
	ErrPermissionDenied      = &ConnectorError{Kind: KindPermissionDenied}
	ErrUnsupportedOperation  = &ConnectorError{Kind: KindUnsupportedOperation}
	ErrInvalidAttributeValue = &ConnectorError{Kind: KindInvalidAttributeValue}
)

// ConnectorError is a failure raised by connector code. It keeps its kind when
// it crosses the wire so callers can branch on it.
type ConnectorError struct {
	Kind    ErrorKind // Failure kind
	Message string    // Human-readable message
	Cause   error     // Underlying error, local side only
}

func (e *ConnectorError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("connector error (%s)", e.Kind))

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Cause != nil && e.Cause.Error() != e.Message {
		parts = append(parts, fmt.Sprintf("cause: %s", e.Cause))
	}

	return strings.Join(parts, " - ")
}

func (e *ConnectorError) Unwrap() error {
	return e.Cause
}

// Is matches another ConnectorError of the same kind.
func (e *ConnectorError) Is(target error) bool {
	t, ok := target.(*ConnectorError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a ConnectorError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *ConnectorError {
	return &ConnectorError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err as a ConnectorError of the given kind. Errors that are
// already ConnectorErrors are returned unchanged.
func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}

	var connErr *ConnectorError
	if errors.As(err, &connErr) {
		return connErr
	}

	return &ConnectorError{Kind: kind, Message: err.Error(), Cause: err}
}

// GetErrorKind returns the kind of err, or KindConnector for foreign errors.
func GetErrorKind(err error) ErrorKind {
	var connErr *ConnectorError
	if errors.As(err, &connErr) {
		return connErr.Kind
	}
	return KindConnector
}

// IsUnknownUid checks if an error reports a missing object.
func IsUnknownUid(err error) bool {
	return err != nil && GetErrorKind(err) == KindUnknownUid
}

// IsAlreadyExists checks if an error reports a duplicate object.
func IsAlreadyExists(err error) bool {
	return err != nil && GetErrorKind(err) == KindAlreadyExists
}

// IsInvalidCredential checks if an error reports rejected credentials.
func IsInvalidCredential(err error) bool {
	return err != nil && GetErrorKind(err) == KindInvalidCredential
}

// IsPasswordExpired checks if an error reports an expired password.
func IsPasswordExpired(err error) bool {
	return err != nil && GetErrorKind(err) == KindPasswordExpired
}

// IsUnsupportedOperation checks if the connector does not implement an operation.
func IsUnsupportedOperation(err error) bool {
	return err != nil && GetErrorKind(err) == KindUnsupportedOperation
}
