// Package dispatcher implements the dispatcher core: it owns the job and
// task registries, drives the assignment engine, and is the handler.Host
// and rpc.Backend implementation that ties every other internal/dispatch
// package together.
package dispatcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/forgelabs/dispatchd/internal/dispatch/assign"
	"github.com/forgelabs/dispatchd/internal/dispatch/bus"
	"github.com/forgelabs/dispatchd/internal/dispatch/firehose"
	"github.com/forgelabs/dispatchd/internal/dispatch/handler"
	"github.com/forgelabs/dispatchd/internal/dispatch/rpc"
	"github.com/forgelabs/dispatchd/internal/dispatch/storage"
	"github.com/forgelabs/dispatchd/internal/dispatch/types"
	dispatcherrors "github.com/forgelabs/dispatchd/pkg/errors"
	"github.com/forgelabs/dispatchd/pkg/logger"
)

// WorkerBus is the narrow interface the dispatcher needs from the bus
// transport: push a task to a specific worker. The real implementation
// (wired in cmd/dispatcherd) holds one bus.Session per connected worker.
type WorkerBus interface {
	StartTask(workerID string, task *types.Task) error
}

// Config holds the tunables the dispatcher needs beyond its collaborators.
type Config struct {
	HeartbeatMissedLimit int
	JobExpiry            time.Duration
}

// Dispatcher is the single-writer core described in spec.md §4.3: every
// mutation to a job or task funnels through one of its methods, so the
// tick guard and in-process handler map never need their own locking
// beyond the coarse mutex here.
type Dispatcher struct {
	mu sync.Mutex

	store   storage.Backend
	workers *WorkerRegistry
	queue   *assign.Queue
	hub     *firehose.Hub
	logs    *LogTree
	bus     WorkerBus
	cfg     Config
	rng     *rand.Rand
	log     *logger.Logger

	handlers  map[uuid.UUID]*handler.Handler
	taskOwner map[uuid.UUID]uuid.UUID
	sessions  map[uuid.UUID]uuid.UUID
}

// New constructs a Dispatcher. workerBus may be nil in tests that never
// exercise task assignment against a real transport.
func New(store storage.Backend, workers *WorkerRegistry, queue *assign.Queue, hub *firehose.Hub, logs *LogTree, workerBus WorkerBus, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:     store,
		workers:   workers,
		queue:     queue,
		hub:       hub,
		logs:      logs,
		bus:       workerBus,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       logger.WithField("component", "dispatcher"),
		handlers:  make(map[uuid.UUID]*handler.Handler),
		taskOwner: make(map[uuid.UUID]uuid.UUID),
		sessions:  make(map[uuid.UUID]uuid.UUID),
	}
}

// SetBus wires the transport used to push StartTask to workers. Separate
// from New because the transport (NetBus) needs a constructed Dispatcher
// to deliver inbound worker messages into.
func (d *Dispatcher) SetBus(b WorkerBus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = b
}

// ---- rpc.Backend ----

// CreateJob constructs a handler for jobType, persists the job, subscribes
// firehoseSession to it if supplied, and starts the handler. Rejects with
// ErrUnsupportedJobType if no handler is registered.
func (d *Dispatcher) CreateJob(ctx context.Context, jobType, owner string, data types.FrozenObject, firehoseSession *uuid.UUID) (*types.Job, error) {
	def, ok := handler.LookupJobType(jobType)
	if !ok {
		return nil, dispatcherrors.NewUnsupportedJobTypeError(jobType)
	}

	job := types.NewJob(jobType, owner, data, time.Now())

	d.mu.Lock()
	if firehoseSession != nil {
		d.sessions[job.JobUUID] = *firehoseSession
	}
	h := handler.New(d, job, def)
	d.handlers[job.JobUUID] = h
	d.mu.Unlock()

	if err := d.store.CreateJob(ctx, job); err != nil {
		d.mu.Lock()
		delete(d.handlers, job.JobUUID)
		delete(d.sessions, job.JobUUID)
		d.mu.Unlock()
		return nil, dispatcherrors.WrapDispatchError(job.JobUUID.String(), "createJob", err)
	}

	if firehoseSession != nil {
		_ = d.hub.PublishCreated(ctx, *firehoseSession, job.JobUUID)
	}

	if err := h.Start(ctx); err != nil {
		d.log.Warn("handler start failed", "job_uuid", job.JobUUID, "error", err)
	}
	return h.Job(), nil
}

// GetJobs is a passthrough to storage.
func (d *Dispatcher) GetJobs(ctx context.Context, uuids []uuid.UUID) ([]*types.Job, error) {
	return d.store.GetJobs(ctx, uuids)
}

// DeleteJobs rejects the whole batch if any target job is missing or
// non-final, otherwise removes its database rows and log tree. Every
// target is validated before anything is deleted, and every validation
// failure is reported together via go-multierror rather than stopping at
// the first one.
func (d *Dispatcher) DeleteJobs(ctx context.Context, uuids []uuid.UUID) error {
	jobs, err := d.store.GetJobs(ctx, uuids)
	if err != nil {
		return err
	}
	byID := make(map[uuid.UUID]*types.Job, len(jobs))
	for _, j := range jobs {
		if j == nil {
			continue
		}
		byID[j.JobUUID] = j
	}

	var result *multierror.Error
	for _, id := range uuids {
		job, ok := byID[id]
		if !ok {
			result = multierror.Append(result, dispatcherrors.WrapDispatchError(id.String(), "deleteJobs", dispatcherrors.ErrJobNotFound))
			continue
		}
		if !job.Status.Final() {
			result = multierror.Append(result, dispatcherrors.WrapDispatchError(id.String(), "deleteJobs", dispatcherrors.ErrNonFinalDelete))
		}
	}
	if result.ErrorOrNil() != nil {
		return result
	}

	for _, id := range uuids {
		if err := d.store.DeleteTasksForJob(ctx, id); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := d.store.DeleteJob(ctx, id); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := d.logs.Close(id); err != nil {
			d.log.Warn("log tree cleanup failed", "job_uuid", id, "error", err)
		}
	}
	return result.ErrorOrNil()
}

// GetWorkerList maps every known worker ID to its (currently unused)
// reservation slot.
func (d *Dispatcher) GetWorkerList(ctx context.Context) (map[string]*rpc.WorkerSummary, error) {
	out := make(map[string]*rpc.WorkerSummary)
	for _, w := range d.workers.List() {
		out[w.WorkerID] = &rpc.WorkerSummary{WorkerID: w.WorkerID}
	}
	return out, nil
}

// Ping always succeeds once the dispatcher is reachable.
func (d *Dispatcher) Ping(ctx context.Context) error { return nil }

// ---- restart recovery ----

// RecoverJobs rebuilds in-process handler state for every non-final job
// found in storage and re-queues any of its tasks storage still shows as
// unassigned, so a dispatcher restart resumes each job from wherever its
// handler last persisted HandlerState instead of losing it entirely.
// Intended to be called once, before the dispatcher starts serving.
func (d *Dispatcher) RecoverJobs(ctx context.Context) error {
	jobs, err := d.store.ListJobs(ctx)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, job := range jobs {
		if job.Status.Final() {
			continue
		}
		def, ok := handler.LookupJobType(job.JobType)
		if !ok {
			d.log.Error("cannot recover job: job type not registered", "job_uuid", job.JobUUID, "job_type", job.JobType)
			result = multierror.Append(result, dispatcherrors.WrapDispatchError(job.JobUUID.String(), "recoverJobs", dispatcherrors.NewUnsupportedJobTypeError(job.JobType)))
			continue
		}

		state := def.FirstState
		if !job.HandlerState.IsZero() {
			if err := types.Thaw(job.HandlerState, &state); err != nil {
				d.log.Error("cannot recover job: failed to thaw handler state", "job_uuid", job.JobUUID, "error", err)
				result = multierror.Append(result, err)
				continue
			}
		}

		h := handler.New(d, job, def)
		d.mu.Lock()
		d.handlers[job.JobUUID] = h
		d.mu.Unlock()

		if err := d.requeueTasks(ctx, job.JobUUID); err != nil {
			d.log.Warn("failed to requeue tasks while recovering job", "job_uuid", job.JobUUID, "error", err)
		}

		if err := h.Resume(ctx, state); err != nil {
			d.log.Warn("handler resume failed", "job_uuid", job.JobUUID, "error", err)
		}
	}
	d.RunAssignment(ctx)
	return result.ErrorOrNil()
}

// requeueTasks pushes every task of jobUUID that storage shows as still
// unassigned and non-final back onto the assignment queue, which is
// in-memory only and doesn't survive a restart on its own.
func (d *Dispatcher) requeueTasks(ctx context.Context, jobUUID uuid.UUID) error {
	tasks, err := d.store.GetTasksForJob(ctx, jobUUID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status.Final() || t.NodeAssigned != "" {
			continue
		}
		d.mu.Lock()
		d.taskOwner[t.TaskUUID] = t.JobUUID
		d.mu.Unlock()
		d.queue.Push(t)
	}
	return nil
}

// ---- handler.Host ----

// UpdateJob persists job and publishes its status on the firehose; if the
// new status is final it triggers jobDone.
func (d *Dispatcher) UpdateJob(ctx context.Context, job *types.Job) error {
	if job.Status.Final() && job.Times.ExpiresAfter == nil && d.cfg.JobExpiry > 0 {
		expires := time.Now().Add(d.cfg.JobExpiry)
		job.Times.ExpiresAfter = &expires
	}
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if session, ok := d.sessionFor(job.JobUUID); ok {
		_ = d.hub.PublishStatus(ctx, session, job.JobUUID, job.Status)
	}
	if job.Status.Final() {
		d.jobDone(ctx, job.JobUUID)
	}
	return nil
}

// CreateTask persists task, places it in the assignment queue, activates
// its log node, and attempts immediate assignment.
func (d *Dispatcher) CreateTask(ctx context.Context, task *types.Task) error {
	if err := d.store.CreateTask(ctx, task); err != nil {
		return err
	}
	if err := d.logs.Activate(task.JobUUID, task.TaskUUID); err != nil {
		d.log.Warn("log activation failed", "task_uuid", task.TaskUUID, "error", err)
	}

	d.mu.Lock()
	d.taskOwner[task.TaskUUID] = task.JobUUID
	d.mu.Unlock()

	d.queue.Push(task)
	d.RunAssignment(ctx)
	return nil
}

// GetTask is a passthrough to storage, used by a handler's NewTask to
// adopt a task a state function re-created after a restart.
func (d *Dispatcher) GetTask(ctx context.Context, taskUUID uuid.UUID) (*types.Task, error) {
	return d.store.GetTask(ctx, taskUUID)
}

// JobDone discards the handler for jobUUID. Invoked both by UpdateJob when
// a status write reaches a final code, and directly by Handler.failJob on
// a hard failure that never made it to a persisted status.
func (d *Dispatcher) JobDone(jobUUID uuid.UUID) {
	d.jobDone(context.Background(), jobUUID)
}

func (d *Dispatcher) jobDone(ctx context.Context, jobUUID uuid.UUID) {
	d.mu.Lock()
	_, known := d.handlers[jobUUID]
	delete(d.handlers, jobUUID)
	session, hasSession := d.sessions[jobUUID]
	delete(d.sessions, jobUUID)
	d.mu.Unlock()
	if !known {
		return
	}

	if hasSession {
		_ = d.hub.PublishFinalized(ctx, session, jobUUID)
	}

	// Discard queued tasks and detach in-flight tasks from their workers.
	tasks, err := d.store.GetTasksForJob(ctx, jobUUID)
	if err != nil {
		d.log.Warn("jobDone: failed to list tasks", "job_uuid", jobUUID, "error", err)
		return
	}
	for _, t := range tasks {
		d.queue.Remove(t.TaskUUID.String())
		d.mu.Lock()
		delete(d.taskOwner, t.TaskUUID)
		d.mu.Unlock()
		if t.NodeAssigned != "" {
			d.detachFromWorker(t.NodeAssigned, t.TaskUUID)
		}
		d.logs.Deactivate(t.TaskUUID)
	}
}

// ---- task status updates from workers ----

// UpdateTask persists a status report from a worker. If the update is
// final, the task is detached from its worker and another assignment pass
// runs; either way the owning handler is notified.
func (d *Dispatcher) UpdateTask(ctx context.Context, task *types.Task) error {
	if err := d.store.UpdateTask(ctx, task); err != nil {
		if dispatcherrors.IsPersistenceRace(err) {
			return nil
		}
		return err
	}

	if task.Status.Final() {
		if task.NodeAssigned != "" {
			d.detachFromWorker(task.NodeAssigned, task.TaskUUID)
		}
		d.logs.Deactivate(task.TaskUUID)
		d.mu.Lock()
		delete(d.taskOwner, task.TaskUUID)
		d.mu.Unlock()
	}

	if h := d.handlerFor(task.JobUUID); h != nil {
		h.TaskUpdated(task)
	}

	if task.Status.Final() {
		d.RunAssignment(ctx)
	}
	return nil
}

func (d *Dispatcher) handlerFor(jobUUID uuid.UUID) *handler.Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[jobUUID]
}

func (d *Dispatcher) sessionFor(jobUUID uuid.UUID) (uuid.UUID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[jobUUID]
	return s, ok
}

func (d *Dispatcher) detachFromWorker(workerID string, taskUUID uuid.UUID) {
	w := d.workers.Get(workerID)
	if w == nil {
		return
	}
	filtered := w.TaskUUIDs[:0]
	for _, id := range w.TaskUUIDs {
		if id != taskUUID.String() {
			filtered = append(filtered, id)
		}
	}
	w.TaskUUIDs = filtered
	_ = d.workers.Put(w)
}

// ---- worker lifecycle ----

// WorkerHeartbeat upserts a worker's liveness and capability state, then
// runs an assignment pass since new capacity may have appeared.
func (d *Dispatcher) WorkerHeartbeat(ctx context.Context, hb bus.Heartbeat) {
	w := d.workers.Get(hb.WorkerID)
	if w == nil {
		w = &types.Worker{WorkerID: hb.WorkerID}
	}

	caps := make([]types.Capability, 0, len(hb.TaskCapabilities)+len(hb.ZoneCapabilities))
	for _, c := range hb.TaskCapabilities {
		caps = append(caps, types.TaskCapability(c))
	}
	for _, c := range hb.ZoneCapabilities {
		caps = append(caps, types.ZoneCapability(c))
	}
	wasActive := w.Active
	w.SetCaps(hb.ProtocolVersions, types.NewCapabilitySet(caps...), hb.Slots, hb.Addresses, time.Now())
	w.TaskUUIDs = hb.RunningTaskUUIDs
	if !wasActive && !w.Active {
		d.log.Warn("worker protocol mismatch", "worker_id", hb.WorkerID)
	}
	_ = d.workers.Put(w)

	d.RunAssignment(ctx)
}

// WorkerDown fails every task still assigned to workerID with a fixed
// "gone offline" message and removes it from the registry. Called by the
// liveness scanner once a worker has missed HeartbeatMissedLimit beats.
func (d *Dispatcher) WorkerDown(ctx context.Context, workerID string) {
	w := d.workers.Get(workerID)
	if w == nil {
		return
	}
	var result *multierror.Error
	for _, idStr := range w.TaskUUIDs {
		taskUUID, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		task, err := d.store.GetTask(ctx, taskUUID)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if task.Status.Final() {
			continue
		}
		task.Status = types.NewJobStatus(types.WorkerGoneStatus, "The worker processing this task has gone offline.", "")
		task.Times.Ticks = types.TickOverride
		if err := d.UpdateTask(ctx, task); err != nil {
			result = multierror.Append(result, dispatcherrors.WrapWorkerError(workerID, "workerDown", err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		d.log.Error("errors failing tasks for downed worker", "worker_id", workerID, "error", err)
	}
	d.workers.Delete(workerID)
}

// ScanLiveness increments every worker's missed-heartbeat counter and
// declares any worker that has missed too many beats down. Intended to be
// called on a fixed tick by cmd/dispatcherd.
func (d *Dispatcher) ScanLiveness(ctx context.Context) {
	for _, w := range d.workers.List() {
		w.Expiring++
		if w.Expiring >= d.cfg.HeartbeatMissedLimit {
			d.WorkerDown(ctx, w.WorkerID)
			continue
		}
		_ = d.workers.Put(w)
	}
}

// PruneExpiredJobs deletes every final job whose ExpiresAfter has passed.
// Supplements spec.md with rmake's job-pruning behavior (original_source
// has no fixed retention; the core adds one so storage doesn't grow
// unbounded).
func (d *Dispatcher) PruneExpiredJobs(ctx context.Context) error {
	jobs, err := d.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	var expired []uuid.UUID
	for _, j := range jobs {
		if j.Status.Final() && j.Times.ExpiresAfter != nil && now.After(*j.Times.ExpiresAfter) {
			expired = append(expired, j.JobUUID)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	d.log.Info("pruning expired jobs", "count", len(expired))
	return d.DeleteJobs(ctx, expired)
}

// ---- assignment ----

// RunAssignment drains the queue once against the current worker list.
func (d *Dispatcher) RunAssignment(ctx context.Context) {
	workers := d.workers.List()
	engine := assign.NewEngine(d.queue, d.scorerFor, d.rng)
	engine.Run(workers, func(p assign.Placement) {
		d.onAssigned(ctx, p)
	}, func(p assign.Placement) {
		d.onUnassignable(ctx, p)
	})
}

func (d *Dispatcher) scorerFor(task *types.Task) assign.Scorer {
	if h := d.handlerFor(task.JobUUID); h != nil {
		return h.Scorer()
	}
	return assign.ScorerFunc(func(*types.Task, *types.Worker) assign.Score {
		return assign.Score{Outcome: assign.Now, Value: 0}
	})
}

func (d *Dispatcher) onAssigned(ctx context.Context, p assign.Placement) {
	task := p.Task
	task.NodeAssigned = p.WorkerID
	task.Status = types.NewJobStatus(types.StatusRunning, "Assigned", "")
	task.Times.Ticks = types.TickOverride
	if err := d.store.UpdateTask(ctx, task); err != nil {
		d.log.Error("failed to persist task assignment", "task_uuid", task.TaskUUID, "error", err)
		return
	}

	w := d.workers.Get(p.WorkerID)
	if w != nil {
		w.TaskUUIDs = append(w.TaskUUIDs, task.TaskUUID.String())
		_ = d.workers.Put(w)
	}

	if d.bus == nil {
		return
	}
	if err := d.bus.StartTask(p.WorkerID, task); err != nil {
		d.log.Error("failed to dispatch StartTask", "worker_id", p.WorkerID, "task_uuid", task.TaskUUID, "error", err)
	}
}

func (d *Dispatcher) onUnassignable(ctx context.Context, p assign.Placement) {
	task := p.Task
	task.Status = types.NewJobStatus(types.TaskNotAssignable, assign.FailureText(p.Outcome), "")
	task.Times.Ticks = types.TickOverride
	if err := d.UpdateTask(ctx, task); err != nil {
		d.log.Error("failed to persist unassignable task", "task_uuid", task.TaskUUID, "error", err)
	}
}
