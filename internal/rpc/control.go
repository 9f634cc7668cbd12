package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/wire"
)

var errControlUnanswered = errors.New("control request unanswered before next liveness check")

// startChecker runs the liveness sweep every CheckInterval until Close.
func (g *Group) startChecker() {
	ticker := time.NewTicker(g.config.CheckInterval)

	g.checkWg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				g.Check(now)
			case <-g.checkStop:
				return
			}
		}
	})
}

// Check inspects every pending request for a stalled consumer or a silent
// remote stream and asks each connection's remote side which requests it
// still runs. Requests the remote side repeatedly does not know are failed.
func (g *Group) Check(now time.Time) {
	states := g.connStates()

	checked := 0
	for _, cs := range states {
		for _, e := range cs.pending.snapshot() {
			e.check(now)
			checked++
		}
		if cs.conn.IsOperational() {
			g.ping(cs)
		}
	}

	tflog.SubsystemTrace(g.logCtx, logging.SubsystemRPC, "Liveness check completed", map[string]any{
		"connections": len(states),
		"checked":     checked,
	})
}

// ping asks the remote side for the ids it is still running and reconciles
// the answer against the requests pending when it was sent.
func (g *Group) ping(cs *connState) {
	if prev := cs.control.Load(); prev != nil {
		prev.abort(errControlUnanswered)
	}

	var tracked []pendingEntry
	for _, e := range cs.pending.snapshot() {
		if e.Kind() != wire.OpControl && !e.settled() {
			tracked = append(tracked, e)
		}
	}
	if len(tracked) == 0 {
		return
	}

	op := Unary(wire.OpControl, nil, &wire.ControlRequest{}, func(env *wire.Envelope) ([]int64, error) {
		resp, err := wire.Decode[wire.ControlResponse](env)
		return resp.RequestIDs, err
	})

	r := submitTo(context.Background(), g, []*connState{cs}, op)
	if r == nil {
		return
	}
	cs.control.Store(r)

	r.Promise().OnSettled(func() {
		cs.control.CompareAndSwap(r, nil)

		ids, err := r.Promise().Result()
		if err != nil {
			tflog.SubsystemDebug(g.logCtx, logging.SubsystemRPC, "Control request failed", map[string]any{
				"connection_id": cs.conn.ID(),
				"error":         err.Error(),
			})
			return
		}

		// Failing a request sends a cancel; keep that off the read goroutine.
		go reconcile(tracked, ids)
	})
}

func reconcile(tracked []pendingEntry, remote []int64) {
	known := make(map[int64]struct{}, len(remote))
	for _, id := range remote {
		known[id] = struct{}{}
	}

	for _, e := range tracked {
		if e.settled() {
			continue
		}
		_, ok := known[e.ID()]
		e.reconcile(ok)
	}
}
