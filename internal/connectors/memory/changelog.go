package memory

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/isometry/icf-remote/internal/framework"
)

// changeLog records every write as a sync delta. Tokens are ULIDs, so they
// sort in write order. origin names the position before the first write.
type changeLog struct {
	mu      sync.Mutex
	origin  framework.SyncToken
	deltas  []framework.SyncDelta
	index   map[string]int
	changed chan struct{}
	closed  bool
}

func newChangeLog() *changeLog {
	origin := framework.SyncToken{Value: ulid.Make().String()}
	return &changeLog{
		origin:  origin,
		index:   map[string]int{origin.Value: -1},
		changed: make(chan struct{}),
	}
}

func (l *changeLog) append(typ framework.SyncDeltaType, obj *framework.ConnectorObject, previous *framework.Uid) {
	l.record(framework.SyncDelta{
		DeltaType:   typ,
		ObjectClass: obj.ObjectClass,
		Uid:         obj.Uid,
		PreviousUid: previous,
		Object:      obj,
	})
}

func (l *changeLog) appendDelete(oc framework.ObjectClass, uid framework.Uid) {
	l.record(framework.SyncDelta{
		DeltaType:   framework.SyncDeltaDelete,
		ObjectClass: oc,
		Uid:         uid,
	})
}

func (l *changeLog) record(d framework.SyncDelta) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	d.Token = framework.SyncToken{Value: ulid.Make().String()}
	l.index[d.Token.Value] = len(l.deltas)
	l.deltas = append(l.deltas, d)

	close(l.changed)
	l.changed = make(chan struct{})
}

// position returns the log offset following token. A nil token starts at the
// beginning.
func (l *changeLog) position(token *framework.SyncToken) (int, error) {
	if token == nil || token.Value == "" {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.index[token.Value]
	if !ok {
		return 0, framework.NewError(framework.KindPreconditionFailed, "unknown sync token %q", token.Value)
	}
	return i + 1, nil
}

func (l *changeLog) end() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.deltas)
}

// since returns the deltas from pos, the next position and a channel closed
// on the next write. closed reports a disposed log.
func (l *changeLog) since(pos int) (deltas []framework.SyncDelta, next int, changed <-chan struct{}, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pos < len(l.deltas) {
		deltas = append(deltas, l.deltas[pos:]...)
	}
	return deltas, len(l.deltas), l.changed, l.closed
}

func (l *changeLog) latest() *framework.SyncToken {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.origin
	if len(l.deltas) > 0 {
		t = l.deltas[len(l.deltas)-1].Token
	}
	return &t
}

func (l *changeLog) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.changed)
}

func classMatches(want, got framework.ObjectClass) bool {
	return want == framework.ObjectClassAll || want == got
}

// Sync delivers the recorded changes after token. It returns the token of the
// last change examined, so a follow-up call resumes after it.
func (c *Connector) Sync(ctx context.Context, oc framework.ObjectClass, token *framework.SyncToken, handler framework.SyncResultsHandler, _ framework.OperationOptions) (*framework.SyncToken, error) {
	pos, err := c.log.position(token)
	if err != nil {
		return nil, err
	}

	deltas, _, _, _ := c.log.since(pos)

	last := token
	for i := range deltas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d := &deltas[i]
		if classMatches(oc, d.ObjectClass) && !handler(d) {
			return &d.Token, nil
		}
		last = &d.Token
	}
	return last, nil
}

func (c *Connector) LatestSyncToken(_ context.Context, _ framework.ObjectClass) (*framework.SyncToken, error) {
	return c.log.latest(), nil
}

// SubscribeSyncEvents streams changes after token until ctx is done, the
// handler declines or the connector is disposed. A nil token starts at the
// beginning, as in Sync; OptionSyncFromNow skips changes already recorded.
func (c *Connector) SubscribeSyncEvents(ctx context.Context, oc framework.ObjectClass, token *framework.SyncToken, handler framework.SyncResultsHandler, opts framework.OperationOptions) error {
	var pos int
	if opts.SyncFromNow() {
		pos = c.log.end()
	} else {
		var err error
		if pos, err = c.log.position(token); err != nil {
			return err
		}
	}

	return c.follow(ctx, pos, func(d *framework.SyncDelta) bool {
		return !classMatches(oc, d.ObjectClass) || handler(d)
	})
}

// SubscribeConnectorEvents streams objects created or updated from now on
// that match filter.
func (c *Connector) SubscribeConnectorEvents(ctx context.Context, oc framework.ObjectClass, filter *framework.Filter, handler framework.ResultsHandler, _ framework.OperationOptions) error {
	if err := filter.Validate(); err != nil {
		return framework.WrapError(framework.KindInvalidAttributeValue, err)
	}

	return c.follow(ctx, c.log.end(), func(d *framework.SyncDelta) bool {
		if d.Object == nil || !classMatches(oc, d.ObjectClass) || !filter.Match(d.Object) {
			return true
		}
		return handler(cloneObject(d.Object))
	})
}

func (c *Connector) follow(ctx context.Context, pos int, deliver func(d *framework.SyncDelta) bool) error {
	for {
		deltas, next, changed, closed := c.log.since(pos)
		for i := range deltas {
			if !deliver(&deltas[i]) {
				return nil
			}
		}
		pos = next

		if closed {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		}
	}
}
