package framework

import "context"

// Connector is the base contract for a connector instance. A connector
// additionally implements any of the *Op interfaces below for the operations
// it supports.
type Connector interface {
	Init(ctx context.Context, cfg Configuration) error
	Dispose()
}

// ConnectorFactory creates an unconfigured connector.
type ConnectorFactory func() Connector

// ResultsHandler receives search results. Returning false stops the search.
type ResultsHandler func(obj *ConnectorObject) bool

// SyncResultsHandler receives sync deltas. Returning false stops the sync.
type SyncResultsHandler func(delta *SyncDelta) bool

type CreateOp interface {
	Create(ctx context.Context, oc ObjectClass, attrs []Attribute, opts OperationOptions) (Uid, error)
}

type UpdateOp interface {
	Update(ctx context.Context, oc ObjectClass, uid Uid, typ UpdateType, attrs []Attribute, opts OperationOptions) (Uid, error)
}

type DeleteOp interface {
	Delete(ctx context.Context, oc ObjectClass, uid Uid, opts OperationOptions) error
}

type SearchOp interface {
	Search(ctx context.Context, oc ObjectClass, filter *Filter, handler ResultsHandler, opts OperationOptions) (SearchResult, error)
}

type SyncOp interface {
	Sync(ctx context.Context, oc ObjectClass, token *SyncToken, handler SyncResultsHandler, opts OperationOptions) (*SyncToken, error)
	LatestSyncToken(ctx context.Context, oc ObjectClass) (*SyncToken, error)
}

type AuthenticateOp interface {
	Authenticate(ctx context.Context, oc ObjectClass, username, password string, opts OperationOptions) (Uid, error)
}

type ResolveUsernameOp interface {
	ResolveUsername(ctx context.Context, oc ObjectClass, username string, opts OperationOptions) (Uid, error)
}

type ScriptOnConnectorOp interface {
	RunScriptOnConnector(ctx context.Context, script ScriptContext, opts OperationOptions) (any, error)
}

type ScriptOnResourceOp interface {
	RunScriptOnResource(ctx context.Context, script ScriptContext, opts OperationOptions) (any, error)
}

type TestOp interface {
	Test(ctx context.Context) error
}

// ValidateOp checks a configuration before the connector is initialized.
type ValidateOp interface {
	Validate(cfg Configuration) error
}

// BatchSink receives batch task results. Emit may be called concurrently and
// returns false once the caller stopped listening. Complete is called once
// after the final Emit.
type BatchSink interface {
	Emit(result BatchResult) bool
	Complete()
}

// BatchOp runs batches. ExecuteBatch and QueryBatch return the continuation
// token once no further tasks will be run, which may be before every result
// has been emitted.
type BatchOp interface {
	ExecuteBatch(ctx context.Context, tasks []BatchTask, sink BatchSink, opts OperationOptions) (BatchToken, error)
	QueryBatch(ctx context.Context, token BatchToken, sink BatchSink, opts OperationOptions) (BatchToken, error)
}

// ConnectorEventSubscriptionOp streams object changes until ctx is done or the
// handler returns false.
type ConnectorEventSubscriptionOp interface {
	SubscribeConnectorEvents(ctx context.Context, oc ObjectClass, filter *Filter, handler ResultsHandler, opts OperationOptions) error
}

// SyncEventSubscriptionOp streams sync deltas after token until ctx is done or
// the handler returns false.
type SyncEventSubscriptionOp interface {
	SubscribeSyncEvents(ctx context.Context, oc ObjectClass, token *SyncToken, handler SyncResultsHandler, opts OperationOptions) error
}
