package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/icf-remote/internal/framework"
	"github.com/isometry/icf-remote/internal/wire"
)

type recordingObserver struct {
	results   []framework.BatchResult
	completed int
	stopAt    int // stop after this many results; zero never stops
}

func (o *recordingObserver) OnNext(result framework.BatchResult) bool {
	o.results = append(o.results, result)
	return o.stopAt == 0 || len(o.results) < o.stopAt
}

func (o *recordingObserver) OnCompleted() {
	o.completed++
}

func (o *recordingObserver) indexes() []int {
	out := make([]int, 0, len(o.results))
	for _, r := range o.results {
		out = append(out, r.TaskIndex)
	}
	return out
}

type batchRun struct {
	token framework.BatchToken
	err   error
}

func startBatch(t *testing.T, g *Group, observer BatchObserver, idle time.Duration) (*BatchCoordinator, *OperationRequest[framework.BatchToken], <-chan batchRun) {
	t.Helper()

	c := NewBatchCoordinator(g.logCtx, observer, idle)
	r := Submit(context.Background(), g, c.Operation(wire.OpBatch, &wire.Target{ConnectorKey: testKey}, &wire.BatchRequest{
		Tasks: []framework.BatchTask{
			framework.CreateTask(framework.ObjectClassAccount, framework.NewAttribute(framework.AttributeName, "a")),
			framework.CreateTask(framework.ObjectClassAccount, framework.NewAttribute(framework.AttributeName, "b")),
			framework.CreateTask(framework.ObjectClassAccount, framework.NewAttribute(framework.AttributeName, "c")),
		},
	}))
	require.NotNil(t, r)

	done := make(chan batchRun, 1)
	go func() {
		token, err := c.Run(context.Background(), r)
		done <- batchRun{token, err}
	}()
	return c, r, done
}

func awaitBatch(t *testing.T, done <-chan batchRun) batchRun {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete")
		return batchRun{}
	}
}

func taskResult(idx int) wire.BatchResponse {
	return wire.BatchResponse{
		Kind:      wire.BatchTaskResult,
		TaskIndex: idx,
		Uid:       &framework.Uid{Value: string(rune('a' + idx))},
	}
}

func TestBatchCoordinator_ReordersResults(t *testing.T) {
	token := &framework.BatchToken{Tokens: []string{"t-1"}, ReturnsResults: true}

	tests := []struct {
		name     string
		messages []wire.BatchResponse
	}{
		{
			name: "results out of order then both signals",
			messages: []wire.BatchResponse{
				taskResult(1),
				taskResult(2),
				taskResult(0),
				{Kind: wire.BatchResultsComplete, Count: 3},
				{Kind: wire.BatchCommandComplete, Token: token},
			},
		},
		{
			name: "acknowledgment before any result",
			messages: []wire.BatchResponse{
				{Kind: wire.BatchCommandComplete, Token: token},
				taskResult(2),
				taskResult(0),
				taskResult(1),
				{Kind: wire.BatchResultsComplete, Count: 3},
			},
		},
		{
			name: "completion marker before missing result",
			messages: []wire.BatchResponse{
				taskResult(2),
				{Kind: wire.BatchResultsComplete, Count: 3},
				taskResult(0),
				{Kind: wire.BatchCommandComplete, Token: token},
				taskResult(1),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGroup(t)
			conn := addConn(t, g, "c1")

			observer := &recordingObserver{}
			c, r, done := startBatch(t, g, observer, time.Second)

			for _, msg := range tt.messages {
				respond(t, g, conn, r.ID(), wire.OpBatch, msg)
			}

			res := awaitBatch(t, done)
			require.NoError(t, res.err)
			assert.Equal(t, *token, res.token)
			assert.Equal(t, []int{0, 1, 2}, observer.indexes())
			assert.Equal(t, 1, observer.completed)
			assert.False(t, c.TimedOut())
			assert.Equal(t, 0, g.PendingCount())
		})
	}
}

func TestBatchCoordinator_NoResultsExpected(t *testing.T) {
	g, _ := newTestGroup(t)
	conn := addConn(t, g, "c1")

	observer := &recordingObserver{}
	_, r, done := startBatch(t, g, observer, time.Second)

	token := &framework.BatchToken{Tokens: []string{"async-1"}, AsynchronousResults: true, QueryRequired: true}
	respond(t, g, conn, r.ID(), wire.OpBatch, wire.BatchResponse{Kind: wire.BatchCommandComplete, Token: token})

	res := awaitBatch(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, *token, res.token)
	assert.Empty(t, observer.results)
	assert.Equal(t, 1, observer.completed)
}

func TestBatchCoordinator_IdleTimeout(t *testing.T) {
	g, output := newTestGroup(t)
	conn := addConn(t, g, "c1")

	observer := &recordingObserver{}
	c, r, done := startBatch(t, g, observer, 50*time.Millisecond)

	respond(t, g, conn, r.ID(), wire.OpBatch, taskResult(0))

	res := awaitBatch(t, done)
	require.Error(t, res.err)
	assert.True(t, IsIncompleteBatch(res.err))
	assert.Equal(t, framework.BatchToken{}, res.token)
	assert.True(t, c.TimedOut())

	var incomplete *IncompleteBatchError
	require.ErrorAs(t, res.err, &incomplete)
	assert.Contains(t, incomplete.Error(), "running")

	_, err := r.Promise().Result()
	assert.ErrorIs(t, err, res.err)
	assert.Equal(t, []int{0}, observer.indexes())
	assert.Equal(t, 1, observer.completed)

	entries, err := tflogtest.MultilineJSONDecode(output)
	require.NoError(t, err)

	found := false
	for _, entry := range entries {
		if entry["@message"] == "Batch did not complete before idle timeout" {
			found = true
			assert.Equal(t, "warn", entry["@level"])
		}
	}
	assert.True(t, found)
}

func TestBatchCoordinator_IdleTimeoutKeepsToken(t *testing.T) {
	g, _ := newTestGroup(t)
	conn := addConn(t, g, "c1")

	observer := &recordingObserver{}
	_, r, done := startBatch(t, g, observer, 50*time.Millisecond)

	token := &framework.BatchToken{Tokens: []string{"resume-1"}, ReturnsResults: true}
	respond(t, g, conn, r.ID(), wire.OpBatch, wire.BatchResponse{Kind: wire.BatchCommandComplete, Token: token})
	respond(t, g, conn, r.ID(), wire.OpBatch, taskResult(0))

	res := awaitBatch(t, done)
	assert.Equal(t, *token, res.token)

	var incomplete *IncompleteBatchError
	require.ErrorAs(t, res.err, &incomplete)
	assert.Equal(t, *token, incomplete.Token)
	assert.Equal(t, "c1", incomplete.err.ConnectionID)
	assert.Contains(t, incomplete.Error(), "command_done")

	_, err := r.Promise().Result()
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, *token, incomplete.Token)
}

func TestBatchCoordinator_ObserverStops(t *testing.T) {
	g, _ := newTestGroup(t)
	conn := addConn(t, g, "c1")

	observer := &recordingObserver{stopAt: 1}
	_, r, done := startBatch(t, g, observer, time.Second)

	respond(t, g, conn, r.ID(), wire.OpBatch, taskResult(1))
	respond(t, g, conn, r.ID(), wire.OpBatch, taskResult(0))

	res := awaitBatch(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, framework.BatchToken{}, res.token)
	assert.Equal(t, []int{0}, observer.indexes())
	assert.Equal(t, 0, observer.completed)
	assert.Equal(t, PromiseCancelled, r.Promise().State())
	assert.Len(t, conn.sentOfKind(t, g, wire.KindCancel), 1)
}

func TestBatchCoordinator_RemoteFailure(t *testing.T) {
	g, _ := newTestGroup(t)
	conn := addConn(t, g, "c1")

	observer := &recordingObserver{}
	_, r, done := startBatch(t, g, observer, time.Second)

	deliver(t, g, conn, wire.NewErrorResponse(r.ID(), wire.OpBatch,
		framework.NewError(framework.KindUnsupportedOperation, "batch not supported")))

	res := awaitBatch(t, done)
	require.Error(t, res.err)
	assert.True(t, framework.IsUnsupportedOperation(res.err))
	assert.Empty(t, observer.results)
}

func TestBatchCoordinator_DropsDuplicates(t *testing.T) {
	g, _ := newTestGroup(t)
	conn := addConn(t, g, "c1")

	observer := &recordingObserver{}
	_, r, done := startBatch(t, g, observer, time.Second)

	token := &framework.BatchToken{ReturnsResults: true}
	for _, msg := range []wire.BatchResponse{
		taskResult(0),
		taskResult(0),
		{Kind: wire.BatchResultsComplete, Count: 1},
		{Kind: wire.BatchResultsComplete, Count: 5},
		taskResult(1),
		{Kind: wire.BatchCommandComplete, Token: token},
	} {
		respond(t, g, conn, r.ID(), wire.OpBatch, msg)
	}

	res := awaitBatch(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, []int{0}, observer.indexes())
	assert.Equal(t, 1, observer.completed)
}
