package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
	dispatcherrors "github.com/forgelabs/dispatchd/pkg/errors"
)

// memoryBackend is a process-local Backend, useful for tests and for
// single-node deployments that don't need durability across restarts.
type memoryBackend struct {
	mu    sync.RWMutex
	jobs  map[uuid.UUID]*types.Job
	tasks map[uuid.UUID]*types.Task
}

// NewMemoryBackend returns a Backend that keeps everything in memory.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		jobs:  make(map[uuid.UUID]*types.Job),
		tasks: make(map[uuid.UUID]*types.Task),
	}
}

func (b *memoryBackend) CreateJob(_ context.Context, job *types.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.jobs[job.JobUUID]; exists {
		return dispatcherrors.WrapDispatchError(job.JobUUID.String(), "createJob", dispatcherrors.ErrJobAlreadyExists)
	}
	cp := *job
	b.jobs[job.JobUUID] = &cp
	return nil
}

func (b *memoryBackend) GetJob(_ context.Context, jobUUID uuid.UUID) (*types.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	job, ok := b.jobs[jobUUID]
	if !ok {
		return nil, dispatcherrors.NewJobNotFoundError(jobUUID.String())
	}
	cp := *job
	return &cp, nil
}

func (b *memoryBackend) GetJobs(_ context.Context, jobUUIDs []uuid.UUID) ([]*types.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.Job, len(jobUUIDs))
	for i, id := range jobUUIDs {
		if job, ok := b.jobs[id]; ok {
			cp := *job
			out[i] = &cp
		}
	}
	return out, nil
}

func (b *memoryBackend) UpdateJob(_ context.Context, job *types.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.jobs[job.JobUUID]
	if !ok {
		return dispatcherrors.NewJobNotFoundError(job.JobUUID.String())
	}
	if !checkTickGuard(job.Times.Ticks, existing.Times.Ticks) {
		return dispatcherrors.NewPersistenceRaceError("updateJob", job.JobUUID.String())
	}
	cp := *job
	touchTimes(&cp.Times, time.Now(), cp.Status.Final())
	b.jobs[job.JobUUID] = &cp
	return nil
}

func (b *memoryBackend) DeleteJob(_ context.Context, jobUUID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[jobUUID]; !ok {
		return dispatcherrors.NewJobNotFoundError(jobUUID.String())
	}
	delete(b.jobs, jobUUID)
	return nil
}

func (b *memoryBackend) ListJobs(_ context.Context) ([]*types.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.Job, 0, len(b.jobs))
	for _, job := range b.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (b *memoryBackend) CreateTask(_ context.Context, task *types.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.tasks[task.TaskUUID]; exists {
		return dispatcherrors.WrapTaskError(task.TaskUUID.String(), "createTask", dispatcherrors.ErrJobAlreadyExists)
	}
	cp := *task
	b.tasks[task.TaskUUID] = &cp
	return nil
}

func (b *memoryBackend) GetTask(_ context.Context, taskUUID uuid.UUID) (*types.Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	task, ok := b.tasks[taskUUID]
	if !ok {
		return nil, dispatcherrors.WrapTaskError(taskUUID.String(), "getTask", dispatcherrors.ErrJobNotFound)
	}
	cp := *task
	return &cp, nil
}

func (b *memoryBackend) GetTasksForJob(_ context.Context, jobUUID uuid.UUID) ([]*types.Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*types.Task
	for _, task := range b.tasks {
		if task.JobUUID == jobUUID {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *memoryBackend) UpdateTask(_ context.Context, task *types.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.tasks[task.TaskUUID]
	if !ok {
		return dispatcherrors.WrapTaskError(task.TaskUUID.String(), "updateTask", dispatcherrors.ErrJobNotFound)
	}
	if !checkTickGuard(task.Times.Ticks, existing.Times.Ticks) {
		return dispatcherrors.NewPersistenceRaceError("updateTask", task.TaskUUID.String())
	}
	cp := *task
	if cp.TaskData.IsZero() {
		// updateTask never overwrites task_data with an empty payload;
		// the caller is expected to have used Task.ForUpdate().
		cp.TaskData = existing.TaskData
	}
	touchTimes(&cp.Times, time.Now(), cp.Status.Final())
	b.tasks[task.TaskUUID] = &cp
	return nil
}

func (b *memoryBackend) DeleteTasksForJob(_ context.Context, jobUUID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, task := range b.tasks {
		if task.JobUUID == jobUUID {
			delete(b.tasks, id)
		}
	}
	return nil
}

func (b *memoryBackend) Close() error { return nil }
