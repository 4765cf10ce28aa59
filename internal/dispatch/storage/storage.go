// Package storage implements CoreDB, the dispatcher's durable record of
// jobs and tasks. It is intentionally the only place in dispatchd that
// talks to a database: everything above it works with types.Job and
// types.Task values and an optimistic tick guard, never with SQL or a
// bucket layout.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

// Backend is CoreDB's storage interface. Every update (UpdateJob,
// UpdateTask) is an optimistic compare-and-swap on Times.Ticks: a write whose incoming ticks is not
// strictly greater than the stored value (and isn't types.TickOverride)
// fails with dispatcherrors.ErrPersistenceRace instead of silently
// clobbering a newer write that raced ahead of it.
type Backend interface {
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, jobUUID uuid.UUID) (*types.Job, error)
	GetJobs(ctx context.Context, jobUUIDs []uuid.UUID) ([]*types.Job, error)
	// UpdateJob applies job's status/times/data if job.Times.Ticks is
	// newer than the stored record (or TickOverride). Returns
	// ErrPersistenceRace otherwise.
	UpdateJob(ctx context.Context, job *types.Job) error
	DeleteJob(ctx context.Context, jobUUID uuid.UUID) error
	ListJobs(ctx context.Context) ([]*types.Job, error)

	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskUUID uuid.UUID) (*types.Task, error)
	GetTasksForJob(ctx context.Context, jobUUID uuid.UUID) ([]*types.Task, error)
	UpdateTask(ctx context.Context, task *types.Task) error
	DeleteTasksForJob(ctx context.Context, jobUUID uuid.UUID) error

	Close() error
}

// checkTickGuard reports whether an incoming write with ticks newTicks is
// allowed to replace a stored record whose ticks are storedTicks.
func checkTickGuard(newTicks, storedTicks int64) bool {
	if newTicks == types.TickOverride {
		return true
	}
	return newTicks > storedTicks
}

func touchTimes(t *types.JobTimes, now time.Time, final bool) {
	t.Updated = now
	if final && t.Finished == nil {
		finished := now
		t.Finished = &finished
	}
}
