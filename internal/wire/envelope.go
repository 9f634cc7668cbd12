package wire

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/isometry/icf-remote/internal/framework"
)

// MessageKind distinguishes requests, responses and cancellations.
type MessageKind uint8

const (
	KindRequest MessageKind = iota + 1
	KindResponse
	KindCancel
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// OperationKind is the discriminant of the envelope payload.
type OperationKind uint8

const (
	OpCreate OperationKind = iota + 1
	OpUpdate
	OpDelete
	OpGet
	OpSearch
	OpSync
	OpLatestSyncToken
	OpAuthenticate
	OpResolveUsername
	OpScriptOnConnector
	OpScriptOnResource
	OpTest
	OpValidate
	OpBatch
	OpQueryBatch
	OpConnectorEvents
	OpSyncEvents
	OpControl
	OpConnectorInfo
)

var operationNames = map[OperationKind]string{
	OpCreate:            "create",
	OpUpdate:            "update",
	OpDelete:            "delete",
	OpGet:               "get",
	OpSearch:            "search",
	OpSync:              "sync",
	OpLatestSyncToken:   "latest_sync_token",
	OpAuthenticate:      "authenticate",
	OpResolveUsername:   "resolve_username",
	OpScriptOnConnector: "script_on_connector",
	OpScriptOnResource:  "script_on_resource",
	OpTest:              "test",
	OpValidate:          "validate",
	OpBatch:             "batch",
	OpQueryBatch:        "query_batch",
	OpConnectorEvents:   "connector_events",
	OpSyncEvents:        "sync_events",
	OpControl:           "control",
	OpConnectorInfo:     "connector_info",
}

func (k OperationKind) String() string {
	if name, ok := operationNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Streaming reports whether responses for this operation are sequence-numbered
// partials followed by a terminal envelope.
func (k OperationKind) Streaming() bool {
	switch k {
	case OpSearch, OpSync, OpConnectorEvents, OpSyncEvents:
		return true
	default:
		return false
	}
}

// Subscription reports whether the operation is an open-ended event stream
// that may stay silent for arbitrarily long.
func (k OperationKind) Subscription() bool {
	return k == OpConnectorEvents || k == OpSyncEvents
}

// Target addresses a configured connector instance on the remote side.
type Target struct {
	ConnectorKey  framework.ConnectorKey  `msgpack:"connector_key"`
	Configuration framework.Configuration `msgpack:"configuration,omitempty"`
}

// RemoteError carries a connector failure across the wire.
type RemoteError struct {
	Kind    framework.ErrorKind `msgpack:"kind"`
	Message string              `msgpack:"message"`
}

// NewRemoteError captures err for transmission.
func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	return &RemoteError{Kind: framework.GetErrorKind(err), Message: errorMessage(err)}
}

// Err reconstructs the connector error on the receiving side.
func (e *RemoteError) Err() error {
	if e == nil {
		return nil
	}
	return &framework.ConnectorError{Kind: e.Kind, Message: e.Message}
}

func errorMessage(err error) string {
	var ce *framework.ConnectorError
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return err.Error()
}

// Envelope is the unit exchanged over a connection. Every envelope carries the
// request id and operation discriminant; streaming responses also carry the
// sequence number and terminal flag.
type Envelope struct {
	RequestID int64              `msgpack:"id"`
	Kind      MessageKind        `msgpack:"kind"`
	Operation OperationKind      `msgpack:"op"`
	Target    *Target            `msgpack:"target,omitempty"`
	Sequence  int64              `msgpack:"seq,omitempty"`
	Last      bool               `msgpack:"last,omitempty"`
	Error     *RemoteError       `msgpack:"error,omitempty"`
	Payload   msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// NewRequest builds a request envelope with an encoded payload.
func NewRequest(id int64, op OperationKind, target *Target, payload any) (*Envelope, error) {
	env := &Envelope{RequestID: id, Kind: KindRequest, Operation: op, Target: target}
	if err := env.SetPayload(payload); err != nil {
		return nil, err
	}
	return env, nil
}

// NewResponse builds a response envelope with an encoded payload.
func NewResponse(id int64, op OperationKind, payload any) (*Envelope, error) {
	env := &Envelope{RequestID: id, Kind: KindResponse, Operation: op}
	if err := env.SetPayload(payload); err != nil {
		return nil, err
	}
	return env, nil
}

// NewErrorResponse builds a terminal failure response.
func NewErrorResponse(id int64, op OperationKind, err error) *Envelope {
	return &Envelope{RequestID: id, Kind: KindResponse, Operation: op, Last: true, Error: NewRemoteError(err)}
}

// NewCancel builds a cancellation for an in-flight request.
func NewCancel(id int64, op OperationKind) *Envelope {
	return &Envelope{RequestID: id, Kind: KindCancel, Operation: op}
}

// SetPayload encodes v into the payload. A nil v clears it.
func (e *Envelope) SetPayload(v any) error {
	if v == nil {
		e.Payload = nil
		return nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Operation, err)
	}
	e.Payload = b
	return nil
}

// DecodeInto decodes the payload into v.
func (e *Envelope) DecodeInto(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s %s envelope %d has no payload", e.Operation, e.Kind, e.RequestID)
	}
	if err := msgpack.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Operation, err)
	}
	return nil
}

// Decode decodes the payload of an envelope into a value of type T.
func Decode[T any](env *Envelope) (T, error) {
	var v T
	err := env.DecodeInto(&v)
	return v, err
}
