package wire

import (
	"fmt"

	"github.com/isometry/icf-remote/internal/framework"
)

// Request payloads.

type CreateRequest struct {
	ObjectClass framework.ObjectClass      `msgpack:"object_class"`
	Attributes  []framework.Attribute      `msgpack:"attributes"`
	Options     framework.OperationOptions `msgpack:"options,omitempty"`
}

type UpdateRequest struct {
	ObjectClass framework.ObjectClass      `msgpack:"object_class"`
	Uid         framework.Uid              `msgpack:"uid"`
	UpdateType  framework.UpdateType       `msgpack:"update_type"`
	Attributes  []framework.Attribute      `msgpack:"attributes"`
	Options     framework.OperationOptions `msgpack:"options,omitempty"`
}

type DeleteRequest struct {
	ObjectClass framework.ObjectClass      `msgpack:"object_class"`
	Uid         framework.Uid              `msgpack:"uid"`
	Options     framework.OperationOptions `msgpack:"options,omitempty"`
}

type GetRequest struct {
	ObjectClass framework.ObjectClass      `msgpack:"object_class"`
	Uid         framework.Uid              `msgpack:"uid"`
	Options     framework.OperationOptions `msgpack:"options,omitempty"`
}

type SearchRequest struct {
	ObjectClass framework.ObjectClass      `msgpack:"object_class"`
	Filter      *framework.Filter          `msgpack:"filter,omitempty"`
	Options     framework.OperationOptions `msgpack:"options,omitempty"`
}

type SyncRequest struct {
	ObjectClass framework.ObjectClass      `msgpack:"object_class"`
	Token       *framework.SyncToken       `msgpack:"token,omitempty"`
	Options     framework.OperationOptions `msgpack:"options,omitempty"`
}

type LatestSyncTokenRequest struct {
	ObjectClass framework.ObjectClass `msgpack:"object_class"`
}

type AuthenticateRequest struct {
	ObjectClass framework.ObjectClass      `msgpack:"object_class"`
	Username    string                     `msgpack:"username"`
	Password    string                     `msgpack:"password"`
	Options     framework.OperationOptions `msgpack:"options,omitempty"`
}

type ResolveUsernameRequest struct {
	ObjectClass framework.ObjectClass      `msgpack:"object_class"`
	Username    string                     `msgpack:"username"`
	Options     framework.OperationOptions `msgpack:"options,omitempty"`
}

type ScriptRequest struct {
	Script  framework.ScriptContext    `msgpack:"script"`
	Options framework.OperationOptions `msgpack:"options,omitempty"`
}

type TestRequest struct{}

type ValidateRequest struct{}

type BatchRequest struct {
	Tasks   []framework.BatchTask      `msgpack:"tasks"`
	Options framework.OperationOptions `msgpack:"options,omitempty"`
}

type QueryBatchRequest struct {
	Token   framework.BatchToken       `msgpack:"token"`
	Options framework.OperationOptions `msgpack:"options,omitempty"`
}

type ConnectorEventsRequest struct {
	ObjectClass framework.ObjectClass      `msgpack:"object_class"`
	Filter      *framework.Filter          `msgpack:"filter,omitempty"`
	Options     framework.OperationOptions `msgpack:"options,omitempty"`
}

type SyncEventsRequest struct {
	ObjectClass framework.ObjectClass      `msgpack:"object_class"`
	Token       *framework.SyncToken       `msgpack:"token,omitempty"`
	Options     framework.OperationOptions `msgpack:"options,omitempty"`
}

// ControlRequest asks the remote side which requests it is still running.
type ControlRequest struct{}

// ConnectorInfoRequest asks the server which connectors it can serve. It
// carries no target.
type ConnectorInfoRequest struct{}

// Response payloads.

type EmptyResponse struct{}

type UidResponse struct {
	Uid framework.Uid `msgpack:"uid"`
}

type ObjectResponse struct {
	Object *framework.ConnectorObject `msgpack:"object,omitempty"`
}

type SyncTokenResponse struct {
	Token *framework.SyncToken `msgpack:"token,omitempty"`
}

type ScriptResponse struct {
	Result any `msgpack:"result"`
}

// ObjectItem is one search result or connector event.
type ObjectItem struct {
	Object framework.ConnectorObject `msgpack:"object"`
}

// SearchTerminal closes a search stream.
type SearchTerminal struct {
	Result framework.SearchResult `msgpack:"result"`
}

// DeltaItem is one sync delta.
type DeltaItem struct {
	Delta framework.SyncDelta `msgpack:"delta"`
}

// SyncTerminal closes a sync stream.
type SyncTerminal struct {
	Token *framework.SyncToken `msgpack:"token,omitempty"`
}

// BatchMessageKind distinguishes the messages of a batch response stream.
type BatchMessageKind uint8

const (
	// BatchTaskResult carries the outcome of one task.
	BatchTaskResult BatchMessageKind = iota + 1
	// BatchResultsComplete marks the end of the result stream and carries the
	// number of results sent.
	BatchResultsComplete
	// BatchCommandComplete acknowledges that no more tasks will run and
	// carries the continuation token.
	BatchCommandComplete
)

func (k BatchMessageKind) String() string {
	switch k {
	case BatchTaskResult:
		return "task_result"
	case BatchResultsComplete:
		return "results_complete"
	case BatchCommandComplete:
		return "command_complete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

type BatchResponse struct {
	Kind      BatchMessageKind      `msgpack:"kind"`
	TaskIndex int                   `msgpack:"task_index,omitempty"`
	Uid       *framework.Uid        `msgpack:"uid,omitempty"`
	Error     *RemoteError          `msgpack:"error,omitempty"`
	Count     int                   `msgpack:"count,omitempty"`
	Token     *framework.BatchToken `msgpack:"token,omitempty"`
}

// Result converts a task result message into its caller-facing form.
func (r *BatchResponse) Result() framework.BatchResult {
	return framework.BatchResult{TaskIndex: r.TaskIndex, Uid: r.Uid, Err: r.Error.Err()}
}

type ControlResponse struct {
	RequestIDs []int64 `msgpack:"request_ids"`
}

type ConnectorInfoResponse struct {
	Keys []framework.ConnectorKey `msgpack:"keys"`
}

// DecodeRequest decodes a request payload into the message type selected by
// the envelope's operation kind.
func DecodeRequest(env *Envelope) (any, error) {
	if env.Kind != KindRequest {
		return nil, fmt.Errorf("envelope %d is a %s, not a request", env.RequestID, env.Kind)
	}

	switch env.Operation {
	case OpCreate:
		return decodePtr[CreateRequest](env)
	case OpUpdate:
		return decodePtr[UpdateRequest](env)
	case OpDelete:
		return decodePtr[DeleteRequest](env)
	case OpGet:
		return decodePtr[GetRequest](env)
	case OpSearch:
		return decodePtr[SearchRequest](env)
	case OpSync:
		return decodePtr[SyncRequest](env)
	case OpLatestSyncToken:
		return decodePtr[LatestSyncTokenRequest](env)
	case OpAuthenticate:
		return decodePtr[AuthenticateRequest](env)
	case OpResolveUsername:
		return decodePtr[ResolveUsernameRequest](env)
	case OpScriptOnConnector, OpScriptOnResource:
		return decodePtr[ScriptRequest](env)
	case OpTest:
		return &TestRequest{}, nil
	case OpValidate:
		return &ValidateRequest{}, nil
	case OpBatch:
		return decodePtr[BatchRequest](env)
	case OpQueryBatch:
		return decodePtr[QueryBatchRequest](env)
	case OpConnectorEvents:
		return decodePtr[ConnectorEventsRequest](env)
	case OpSyncEvents:
		return decodePtr[SyncEventsRequest](env)
	case OpControl:
		return &ControlRequest{}, nil
	case OpConnectorInfo:
		return &ConnectorInfoRequest{}, nil
	default:
		return nil, fmt.Errorf("unknown operation %s", env.Operation)
	}
}

func decodePtr[T any](env *Envelope) (any, error) {
	v := new(T)
	if err := env.DecodeInto(v); err != nil {
		return nil, err
	}
	return v, nil
}
