package server

import (
	"context"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/rpc"
	"github.com/isometry/icf-remote/internal/wire"
)

func unsupported(key framework.ConnectorKey, op wire.OperationKind) error {
	return framework.NewError(framework.KindUnsupportedOperation, "connector %s does not support %s", key, op)
}

// execute runs one request to completion and sends its responses.
func (p *Processor) execute(ctx context.Context, conn rpc.Connection, env *wire.Envelope) {
	ex := p.newExchange(ctx, conn, env)

	fields := map[string]any{
		"request_id":    env.RequestID,
		"connection_id": conn.ID(),
		"session_id":    p.sessionID,
	}
	if env.Target != nil {
		fields["connector_key"] = env.Target.ConnectorKey.String()
	}

	_ = logging.LogOperation(p.logCtx, logging.SubsystemServer, env.Operation.String(), fields, func() error {
		err := p.dispatch(ctx, ex, env)
		if err != nil {
			ex.fail(err)
		}
		return err
	})
}

// dispatch decodes the request and calls the connector. A returned error is
// sent as the terminal failure; successful outcomes are sent by dispatch.
func (p *Processor) dispatch(ctx context.Context, ex *exchange, env *wire.Envelope) error {
	req, err := wire.DecodeRequest(env)
	if err != nil {
		return framework.WrapError(framework.KindInvalidAttributeValue, err)
	}

	if _, ok := req.(*wire.ConnectorInfoRequest); ok {
		ex.reply(&wire.ConnectorInfoResponse{Keys: p.registry.Keys()})
		return nil
	}

	if env.Target == nil {
		return framework.NewError(framework.KindConfiguration, "%s request carries no connector target", env.Operation)
	}

	if _, ok := req.(*wire.ValidateRequest); ok {
		if err := p.registry.Validate(env.Target); err != nil {
			return framework.WrapError(framework.KindConfiguration, err)
		}
		ex.reply(&wire.EmptyResponse{})
		return nil
	}

	c, err := p.registry.Facade(ctx, env.Target)
	if err != nil {
		return err
	}
	key := env.Target.ConnectorKey

	switch r := req.(type) {
	case *wire.CreateRequest:
		op, ok := c.(framework.CreateOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		uid, err := op.Create(ctx, r.ObjectClass, r.Attributes, r.Options)
		if err != nil {
			return err
		}
		ex.reply(&wire.UidResponse{Uid: uid})

	case *wire.UpdateRequest:
		op, ok := c.(framework.UpdateOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		uid, err := op.Update(ctx, r.ObjectClass, r.Uid, r.UpdateType, r.Attributes, r.Options)
		if err != nil {
			return err
		}
		ex.reply(&wire.UidResponse{Uid: uid})

	case *wire.DeleteRequest:
		op, ok := c.(framework.DeleteOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		if err := op.Delete(ctx, r.ObjectClass, r.Uid, r.Options); err != nil {
			return err
		}
		ex.reply(&wire.EmptyResponse{})

	case *wire.GetRequest:
		op, ok := c.(framework.SearchOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		var found *framework.ConnectorObject
		_, err := op.Search(ctx, r.ObjectClass, framework.Equals(framework.AttributeUid, r.Uid.Value), func(obj *framework.ConnectorObject) bool {
			found = obj
			return false
		}, r.Options)
		if err != nil {
			return err
		}
		ex.reply(&wire.ObjectResponse{Object: found})

	case *wire.SearchRequest:
		op, ok := c.(framework.SearchOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		result, err := op.Search(ctx, r.ObjectClass, r.Filter, func(obj *framework.ConnectorObject) bool {
			return ex.item(&wire.ObjectItem{Object: *obj})
		}, r.Options)
		if err != nil {
			return err
		}
		ex.last(&wire.SearchTerminal{Result: result})

	case *wire.SyncRequest:
		op, ok := c.(framework.SyncOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		token, err := op.Sync(ctx, r.ObjectClass, r.Token, func(d *framework.SyncDelta) bool {
			return ex.item(&wire.DeltaItem{Delta: *d})
		}, r.Options)
		if err != nil {
			return err
		}
		ex.last(&wire.SyncTerminal{Token: token})

	case *wire.LatestSyncTokenRequest:
		op, ok := c.(framework.SyncOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		token, err := op.LatestSyncToken(ctx, r.ObjectClass)
		if err != nil {
			return err
		}
		ex.reply(&wire.SyncTokenResponse{Token: token})

	case *wire.AuthenticateRequest:
		op, ok := c.(framework.AuthenticateOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		uid, err := op.Authenticate(ctx, r.ObjectClass, r.Username, r.Password, r.Options)
		if err != nil {
			return err
		}
		ex.reply(&wire.UidResponse{Uid: uid})

	case *wire.ResolveUsernameRequest:
		op, ok := c.(framework.ResolveUsernameOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		uid, err := op.ResolveUsername(ctx, r.ObjectClass, r.Username, r.Options)
		if err != nil {
			return err
		}
		ex.reply(&wire.UidResponse{Uid: uid})

	case *wire.ScriptRequest:
		var result any
		var err error
		switch env.Operation {
		case wire.OpScriptOnConnector:
			op, ok := c.(framework.ScriptOnConnectorOp)
			if !ok {
				return unsupported(key, env.Operation)
			}
			result, err = op.RunScriptOnConnector(ctx, r.Script, r.Options)
		default:
			op, ok := c.(framework.ScriptOnResourceOp)
			if !ok {
				return unsupported(key, env.Operation)
			}
			result, err = op.RunScriptOnResource(ctx, r.Script, r.Options)
		}
		if err != nil {
			return err
		}
		ex.reply(&wire.ScriptResponse{Result: result})

	case *wire.TestRequest:
		op, ok := c.(framework.TestOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		if err := op.Test(ctx); err != nil {
			return err
		}
		ex.reply(&wire.EmptyResponse{})

	case *wire.BatchRequest:
		op, ok := c.(framework.BatchOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		sink := newBatchSink(ex)
		token, err := op.ExecuteBatch(ctx, r.Tasks, sink, r.Options)
		if err != nil {
			return err
		}
		sink.command(token)
		sink.wait()

	case *wire.QueryBatchRequest:
		op, ok := c.(framework.BatchOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		sink := newBatchSink(ex)
		token, err := op.QueryBatch(ctx, r.Token, sink, r.Options)
		if err != nil {
			return err
		}
		sink.command(token)
		sink.wait()

	case *wire.ConnectorEventsRequest:
		op, ok := c.(framework.ConnectorEventSubscriptionOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		err := op.SubscribeConnectorEvents(ctx, r.ObjectClass, r.Filter, func(obj *framework.ConnectorObject) bool {
			return ex.item(&wire.ObjectItem{Object: *obj})
		}, r.Options)
		if err != nil {
			return err
		}
		ex.last(&wire.EmptyResponse{})

	case *wire.SyncEventsRequest:
		op, ok := c.(framework.SyncEventSubscriptionOp)
		if !ok {
			return unsupported(key, env.Operation)
		}
		err := op.SubscribeSyncEvents(ctx, r.ObjectClass, r.Token, func(d *framework.SyncDelta) bool {
			return ex.item(&wire.DeltaItem{Delta: *d})
		}, r.Options)
		if err != nil {
			return err
		}
		ex.last(&wire.SyncTerminal{})

	default:
		return framework.NewError(framework.KindUnsupportedOperation, "unsupported operation %s", env.Operation)
	}

	return nil
}
