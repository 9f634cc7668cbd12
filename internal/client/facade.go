package client

import (
	"context"
	"time"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/rpc"
	"github.com/isometry/icf-remote/internal/wire"
)

// ConnectorFacade calls one configured connector on the remote server. Every
// operation has a blocking form and an Async form returning a promise; the
// blocking form waits on the promise for at most the operation timeout and
// cancels the remote operation when the wait is cut short.
type ConnectorFacade struct {
	logCtx  context.Context
	group   *rpc.Group
	target  *wire.Target
	timeout time.Duration
}

// ConnectorKey returns the key of the addressed connector.
func (f *ConnectorFacade) ConnectorKey() framework.ConnectorKey {
	return f.target.ConnectorKey
}

func (f *ConnectorFacade) CreateAsync(ctx context.Context, oc framework.ObjectClass, attrs []framework.Attribute, opts framework.OperationOptions) *rpc.Promise[framework.Uid] {
	return unary(ctx, f, wire.OpCreate, &wire.CreateRequest{ObjectClass: oc, Attributes: attrs, Options: opts}, decodeUid)
}

// Create creates an object and returns its uid.
func (f *ConnectorFacade) Create(ctx context.Context, oc framework.ObjectClass, attrs []framework.Attribute, opts framework.OperationOptions) (framework.Uid, error) {
	return await(ctx, f, wire.OpCreate, f.CreateAsync(ctx, oc, attrs, opts))
}

func (f *ConnectorFacade) UpdateAsync(ctx context.Context, oc framework.ObjectClass, uid framework.Uid, typ framework.UpdateType, attrs []framework.Attribute, opts framework.OperationOptions) *rpc.Promise[framework.Uid] {
	return unary(ctx, f, wire.OpUpdate, &wire.UpdateRequest{
		ObjectClass: oc,
		Uid:         uid,
		UpdateType:  typ,
		Attributes:  attrs,
		Options:     opts,
	}, decodeUid)
}

// Update changes an object's attributes and returns its possibly new uid.
func (f *ConnectorFacade) Update(ctx context.Context, oc framework.ObjectClass, uid framework.Uid, typ framework.UpdateType, attrs []framework.Attribute, opts framework.OperationOptions) (framework.Uid, error) {
	return await(ctx, f, wire.OpUpdate, f.UpdateAsync(ctx, oc, uid, typ, attrs, opts))
}

func (f *ConnectorFacade) DeleteAsync(ctx context.Context, oc framework.ObjectClass, uid framework.Uid, opts framework.OperationOptions) *rpc.Promise[struct{}] {
	return unary(ctx, f, wire.OpDelete, &wire.DeleteRequest{ObjectClass: oc, Uid: uid, Options: opts}, decodeEmpty)
}

func (f *ConnectorFacade) Delete(ctx context.Context, oc framework.ObjectClass, uid framework.Uid, opts framework.OperationOptions) error {
	_, err := await(ctx, f, wire.OpDelete, f.DeleteAsync(ctx, oc, uid, opts))
	return err
}

func (f *ConnectorFacade) GetObjectAsync(ctx context.Context, oc framework.ObjectClass, uid framework.Uid, opts framework.OperationOptions) *rpc.Promise[*framework.ConnectorObject] {
	return unary(ctx, f, wire.OpGet, &wire.GetRequest{ObjectClass: oc, Uid: uid, Options: opts}, decodeObject)
}

// GetObject returns the object with uid, or nil if it does not exist.
func (f *ConnectorFacade) GetObject(ctx context.Context, oc framework.ObjectClass, uid framework.Uid, opts framework.OperationOptions) (*framework.ConnectorObject, error) {
	return await(ctx, f, wire.OpGet, f.GetObjectAsync(ctx, oc, uid, opts))
}

func validateSearch(oc framework.ObjectClass, handler framework.ResultsHandler) error {
	if handler == nil {
		return invalidArgument("results handler is required")
	}
	if oc == "" || oc == framework.ObjectClassAll {
		return invalidArgument("cannot search object class %q", oc)
	}
	return nil
}

// SearchAsync streams matching objects to handler on a separate goroutine.
func (f *ConnectorFacade) SearchAsync(ctx context.Context, oc framework.ObjectClass, filter *framework.Filter, handler framework.ResultsHandler, opts framework.OperationOptions) *rpc.Promise[framework.SearchResult] {
	if err := validateSearch(oc, handler); err != nil {
		return rpc.NewRejected[framework.SearchResult](err)
	}
	return driveAsync(ctx, f, wire.OpSearch, &wire.SearchRequest{ObjectClass: oc, Filter: filter, Options: opts},
		decodeObjectItem, decodeSearchTerminal, handler)
}

// Search delivers matching objects to handler in order on the calling
// goroutine. Returning false from handler ends the search early without
// error.
func (f *ConnectorFacade) Search(ctx context.Context, oc framework.ObjectClass, filter *framework.Filter, handler framework.ResultsHandler, opts framework.OperationOptions) (framework.SearchResult, error) {
	if err := validateSearch(oc, handler); err != nil {
		return framework.SearchResult{}, err
	}
	return drive(ctx, f, wire.OpSearch, &wire.SearchRequest{ObjectClass: oc, Filter: filter, Options: opts},
		decodeObjectItem, decodeSearchTerminal, handler)
}

func validateSync(handler framework.SyncResultsHandler) error {
	if handler == nil {
		return invalidArgument("sync results handler is required")
	}
	return nil
}

func (f *ConnectorFacade) SyncAsync(ctx context.Context, oc framework.ObjectClass, token *framework.SyncToken, handler framework.SyncResultsHandler, opts framework.OperationOptions) *rpc.Promise[*framework.SyncToken] {
	if err := validateSync(handler); err != nil {
		return rpc.NewRejected[*framework.SyncToken](err)
	}
	return driveAsync(ctx, f, wire.OpSync, &wire.SyncRequest{ObjectClass: oc, Token: token, Options: opts},
		decodeDeltaItem, decodeSyncTerminal, handler)
}

// Sync delivers the changes after token to handler in order and returns the
// token to resume from.
func (f *ConnectorFacade) Sync(ctx context.Context, oc framework.ObjectClass, token *framework.SyncToken, handler framework.SyncResultsHandler, opts framework.OperationOptions) (*framework.SyncToken, error) {
	if err := validateSync(handler); err != nil {
		return nil, err
	}
	return drive(ctx, f, wire.OpSync, &wire.SyncRequest{ObjectClass: oc, Token: token, Options: opts},
		decodeDeltaItem, decodeSyncTerminal, handler)
}

func (f *ConnectorFacade) GetLatestSyncTokenAsync(ctx context.Context, oc framework.ObjectClass) *rpc.Promise[*framework.SyncToken] {
	return unary(ctx, f, wire.OpLatestSyncToken, &wire.LatestSyncTokenRequest{ObjectClass: oc}, decodeSyncToken)
}

func (f *ConnectorFacade) GetLatestSyncToken(ctx context.Context, oc framework.ObjectClass) (*framework.SyncToken, error) {
	return await(ctx, f, wire.OpLatestSyncToken, f.GetLatestSyncTokenAsync(ctx, oc))
}

func (f *ConnectorFacade) AuthenticateAsync(ctx context.Context, oc framework.ObjectClass, username, password string, opts framework.OperationOptions) *rpc.Promise[framework.Uid] {
	return unary(ctx, f, wire.OpAuthenticate, &wire.AuthenticateRequest{
		ObjectClass: oc,
		Username:    username,
		Password:    password,
		Options:     opts,
	}, decodeUid)
}

// Authenticate checks credentials and returns the uid of the account.
func (f *ConnectorFacade) Authenticate(ctx context.Context, oc framework.ObjectClass, username, password string, opts framework.OperationOptions) (framework.Uid, error) {
	return await(ctx, f, wire.OpAuthenticate, f.AuthenticateAsync(ctx, oc, username, password, opts))
}

func (f *ConnectorFacade) ResolveUsernameAsync(ctx context.Context, oc framework.ObjectClass, username string, opts framework.OperationOptions) *rpc.Promise[framework.Uid] {
	return unary(ctx, f, wire.OpResolveUsername, &wire.ResolveUsernameRequest{ObjectClass: oc, Username: username, Options: opts}, decodeUid)
}

func (f *ConnectorFacade) ResolveUsername(ctx context.Context, oc framework.ObjectClass, username string, opts framework.OperationOptions) (framework.Uid, error) {
	return await(ctx, f, wire.OpResolveUsername, f.ResolveUsernameAsync(ctx, oc, username, opts))
}

func (f *ConnectorFacade) RunScriptOnConnectorAsync(ctx context.Context, script framework.ScriptContext, opts framework.OperationOptions) *rpc.Promise[any] {
	return unary(ctx, f, wire.OpScriptOnConnector, &wire.ScriptRequest{Script: script, Options: opts}, decodeScript)
}

func (f *ConnectorFacade) RunScriptOnConnector(ctx context.Context, script framework.ScriptContext, opts framework.OperationOptions) (any, error) {
	return await(ctx, f, wire.OpScriptOnConnector, f.RunScriptOnConnectorAsync(ctx, script, opts))
}

func (f *ConnectorFacade) RunScriptOnResourceAsync(ctx context.Context, script framework.ScriptContext, opts framework.OperationOptions) *rpc.Promise[any] {
	return unary(ctx, f, wire.OpScriptOnResource, &wire.ScriptRequest{Script: script, Options: opts}, decodeScript)
}

func (f *ConnectorFacade) RunScriptOnResource(ctx context.Context, script framework.ScriptContext, opts framework.OperationOptions) (any, error) {
	return await(ctx, f, wire.OpScriptOnResource, f.RunScriptOnResourceAsync(ctx, script, opts))
}

func (f *ConnectorFacade) TestAsync(ctx context.Context) *rpc.Promise[struct{}] {
	return unary(ctx, f, wire.OpTest, &wire.TestRequest{}, decodeEmpty)
}

// Test asks the connector to check its connection to the resource.
func (f *ConnectorFacade) Test(ctx context.Context) error {
	_, err := await(ctx, f, wire.OpTest, f.TestAsync(ctx))
	return err
}

func (f *ConnectorFacade) ValidateAsync(ctx context.Context) *rpc.Promise[struct{}] {
	return unary(ctx, f, wire.OpValidate, &wire.ValidateRequest{}, decodeEmpty)
}

// Validate checks the facade's configuration without initializing a
// connector.
func (f *ConnectorFacade) Validate(ctx context.Context) error {
	_, err := await(ctx, f, wire.OpValidate, f.ValidateAsync(ctx))
	return err
}

func validateBatch(tasks []framework.BatchTask, observer rpc.BatchObserver) error {
	if observer == nil {
		return invalidArgument("batch observer is required")
	}
	if len(tasks) == 0 {
		return invalidArgument("batch has no tasks")
	}
	return nil
}

// ExecuteBatchAsync submits tasks and delivers their results to observer on a
// separate goroutine.
func (f *ConnectorFacade) ExecuteBatchAsync(ctx context.Context, tasks []framework.BatchTask, observer rpc.BatchObserver, opts framework.OperationOptions) *rpc.Promise[framework.BatchToken] {
	if err := validateBatch(tasks, observer); err != nil {
		return rpc.NewRejected[framework.BatchToken](err)
	}
	return runBatchAsync(ctx, f, wire.OpBatch, &wire.BatchRequest{Tasks: tasks, Options: opts}, observer)
}

// ExecuteBatch submits tasks and delivers their results to observer in task
// order, then one completion. The returned token resumes the batch with
// QueryBatch when it reports more results. If the server goes quiet before the
// batch completes, the error is an *rpc.IncompleteBatchError and the token is
// the last one the server acknowledged.
func (f *ConnectorFacade) ExecuteBatch(ctx context.Context, tasks []framework.BatchTask, observer rpc.BatchObserver, opts framework.OperationOptions) (framework.BatchToken, error) {
	if err := validateBatch(tasks, observer); err != nil {
		return framework.BatchToken{}, err
	}
	return runBatch(ctx, f, wire.OpBatch, &wire.BatchRequest{Tasks: tasks, Options: opts}, observer)
}

func (f *ConnectorFacade) QueryBatchAsync(ctx context.Context, token framework.BatchToken, observer rpc.BatchObserver, opts framework.OperationOptions) *rpc.Promise[framework.BatchToken] {
	if observer == nil {
		return rpc.NewRejected[framework.BatchToken](invalidArgument("batch observer is required"))
	}
	return runBatchAsync(ctx, f, wire.OpQueryBatch, &wire.QueryBatchRequest{Token: token, Options: opts}, observer)
}

// QueryBatch collects further results of the batch token came from.
func (f *ConnectorFacade) QueryBatch(ctx context.Context, token framework.BatchToken, observer rpc.BatchObserver, opts framework.OperationOptions) (framework.BatchToken, error) {
	if observer == nil {
		return framework.BatchToken{}, invalidArgument("batch observer is required")
	}
	return runBatch(ctx, f, wire.OpQueryBatch, &wire.QueryBatchRequest{Token: token, Options: opts}, observer)
}

// SubscribeConnectorEvents delivers changed objects of class oc matching
// filter to handler until the subscription is closed or handler returns
// false.
func (f *ConnectorFacade) SubscribeConnectorEvents(ctx context.Context, oc framework.ObjectClass, filter *framework.Filter, handler framework.ResultsHandler, opts framework.OperationOptions) (*Subscription, error) {
	if handler == nil {
		return nil, invalidArgument("results handler is required")
	}
	return subscribe(ctx, f, wire.OpConnectorEvents,
		&wire.ConnectorEventsRequest{ObjectClass: oc, Filter: filter, Options: opts},
		decodeObjectItem, decodeEmpty, handler)
}

// SubscribeSyncEvents delivers the changes after token to handler until the
// subscription is closed or handler returns false.
func (f *ConnectorFacade) SubscribeSyncEvents(ctx context.Context, oc framework.ObjectClass, token *framework.SyncToken, handler framework.SyncResultsHandler, opts framework.OperationOptions) (*Subscription, error) {
	if handler == nil {
		return nil, invalidArgument("sync results handler is required")
	}
	return subscribe(ctx, f, wire.OpSyncEvents,
		&wire.SyncEventsRequest{ObjectClass: oc, Token: token, Options: opts},
		decodeDeltaItem, decodeSyncTerminal, handler)
}

// ObserverFuncs adapts a pair of functions to rpc.BatchObserver. A nil
// OnResult accepts every result.
type ObserverFuncs struct {
	OnResult   func(framework.BatchResult) bool
	OnComplete func()
}

func (o ObserverFuncs) OnNext(result framework.BatchResult) bool {
	if o.OnResult == nil {
		return true
	}
	return o.OnResult(result)
}

func (o ObserverFuncs) OnCompleted() {
	if o.OnComplete != nil {
		o.OnComplete()
	}
}
