package worker

import (
	"context"
	"io"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

// TaskExecutor runs one task to completion and returns its final status.
// What a task actually does (fetching source, building, producing
// artifacts) is the pluggable "job-type handler" content spec.md puts out
// of the core's scope; only this interface to the worker supervisor is
// specified. Callers should write any output through log as it is
// produced, not buffer it until return.
type TaskExecutor interface {
	Execute(ctx context.Context, task *types.Task, log io.Writer) (types.JobStatus, error)
}

// TaskExecutorFunc adapts a plain function to TaskExecutor.
type TaskExecutorFunc func(ctx context.Context, task *types.Task, log io.Writer) (types.JobStatus, error)

func (f TaskExecutorFunc) Execute(ctx context.Context, task *types.Task, log io.Writer) (types.JobStatus, error) {
	return f(ctx, task, log)
}

// NoopExecutor completes every task immediately with status 200. Useful
// as a default for exercising the supervisor/assignment path without a
// real job-type content implementation plugged in.
var NoopExecutor TaskExecutor = TaskExecutorFunc(func(_ context.Context, _ *types.Task, _ io.Writer) (types.JobStatus, error) {
	return types.NewJobStatus(types.StatusCompleted, "ok", ""), nil
})
