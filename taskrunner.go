package tablestore

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner is a small wrapper over errgroup.Group used by the flush
// pipeline (fan-out across data-directory writers). maxConcurrency <= 0
// means no limit.
type TaskRunner struct {
	eg  *errgroup.Group
	ctx context.Context
}

// NewTaskRunner creates a TaskRunner bound to ctx. Tasks receive a context
// derived from ctx that is cancelled when ctx is or when any task returns an
// error; Go still starts tasks after that, so each task checks its context
// itself. Wait returns only the first task error.
func NewTaskRunner(ctx context.Context, maxConcurrency int) *TaskRunner {
	eg, gctx := errgroup.WithContext(ctx)
	if maxConcurrency > 0 {
		eg.SetLimit(maxConcurrency)
	}
	return &TaskRunner{eg: eg, ctx: gctx}
}

// Go schedules task to run, respecting the configured concurrency limit.
func (r *TaskRunner) Go(task func(ctx context.Context) error) {
	r.eg.Go(func() error {
		return task(r.ctx)
	})
}

// Wait blocks until every scheduled task has returned, and returns the first
// non-nil error, if any.
func (r *TaskRunner) Wait() error {
	return r.eg.Wait()
}

// Context returns the runner's (possibly cancelled) context.
func (r *TaskRunner) Context() context.Context {
	return r.ctx
}
