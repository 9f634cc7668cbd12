package memory

import (
	"context"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/isometry/icf-remote/internal/framework"
)

// asyncBatch holds the results of a batch running in the background until a
// QueryBatch collects them.
type asyncBatch struct {
	done    chan struct{}
	results []framework.BatchResult
}

// ExecuteBatch runs tasks concurrently and emits each result as it finishes,
// so results arrive in completion order. In asynchronous mode it returns at
// once with a token for QueryBatch and emits nothing.
func (c *Connector) ExecuteBatch(ctx context.Context, tasks []framework.BatchTask, sink framework.BatchSink, _ framework.OperationOptions) (framework.BatchToken, error) {
	if len(tasks) == 0 {
		return framework.BatchToken{}, framework.NewError(framework.KindInvalidAttributeValue, "batch has no tasks")
	}

	if !c.asyncBatch {
		c.runTasks(ctx, tasks, sink.Emit)
		sink.Complete()
		return framework.BatchToken{ReturnsResults: true}, nil
	}

	id := ulid.Make().String()
	job := &asyncBatch{
		done:    make(chan struct{}),
		results: make([]framework.BatchResult, len(tasks)),
	}

	c.mu.Lock()
	c.batches[id] = job
	c.mu.Unlock()

	go func() {
		defer close(job.done)
		c.runTasks(context.WithoutCancel(ctx), tasks, func(r framework.BatchResult) bool {
			job.results[r.TaskIndex] = r
			return true
		})
	}()

	sink.Complete()
	return framework.BatchToken{
		Tokens:              []string{id},
		QueryRequired:       true,
		AsynchronousResults: true,
	}, nil
}

// QueryBatch waits for a background batch and emits its results in task
// order.
func (c *Connector) QueryBatch(ctx context.Context, token framework.BatchToken, sink framework.BatchSink, _ framework.OperationOptions) (framework.BatchToken, error) {
	if len(token.Tokens) == 0 {
		return framework.BatchToken{}, framework.NewError(framework.KindPreconditionFailed, "batch token carries no continuation")
	}

	id := token.Tokens[0]

	c.mu.RLock()
	job, ok := c.batches[id]
	c.mu.RUnlock()
	if !ok {
		return framework.BatchToken{}, framework.NewError(framework.KindPreconditionFailed, "unknown batch token %q", id)
	}

	select {
	case <-job.done:
	case <-ctx.Done():
		return framework.BatchToken{}, ctx.Err()
	}

	c.mu.Lock()
	delete(c.batches, id)
	c.mu.Unlock()

	for _, r := range job.results {
		if !sink.Emit(r) {
			break
		}
	}
	sink.Complete()

	return framework.BatchToken{ReturnsResults: true}, nil
}

func (c *Connector) runTasks(ctx context.Context, tasks []framework.BatchTask, emit func(framework.BatchResult) bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.batchWorkers)

	for i, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !emit(c.runTask(ctx, i, task)) {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Connector) runTask(ctx context.Context, index int, task framework.BatchTask) framework.BatchResult {
	result := framework.BatchResult{TaskIndex: index}

	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}

	switch task.Kind {
	case framework.BatchCreate:
		uid, err := c.Create(ctx, task.ObjectClass, task.Attributes, task.Options)
		if err != nil {
			result.Err = err
			return result
		}
		result.Uid = &uid

	case framework.BatchUpdate, framework.BatchDelete:
		if task.Uid == nil {
			result.Err = framework.NewError(framework.KindInvalidAttributeValue, "%s task %d has no uid", task.Kind, index)
			return result
		}
		if task.Kind == framework.BatchDelete {
			result.Err = c.Delete(ctx, task.ObjectClass, *task.Uid, task.Options)
			return result
		}

		typ := task.UpdateType
		if typ == "" {
			typ = framework.UpdateReplace
		}
		uid, err := c.Update(ctx, task.ObjectClass, *task.Uid, typ, task.Attributes, task.Options)
		if err != nil {
			result.Err = err
			return result
		}
		result.Uid = &uid

	default:
		result.Err = framework.NewError(framework.KindUnsupportedOperation, "unknown batch task kind %q", task.Kind)
	}
	return result
}
