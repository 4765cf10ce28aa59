// Package handler implements the per-job-type state machine that drives
// a job from creation to a final status: JobHandler in spec.md's
// terminology. A job type is registered once with its first state and a
// table of state functions; the dispatcher drives one Handler instance
// per live job.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/assign"
	"github.com/forgelabs/dispatchd/internal/dispatch/types"
	dispatcherrors "github.com/forgelabs/dispatchd/pkg/errors"
	"github.com/forgelabs/dispatchd/pkg/logger"
)

// DoneState is the terminal state every job type's state table implicitly
// ends at; runState is a no-op once the handler reaches it.
const DoneState = "done"

// StateFunc runs one named state of a job's handler and returns the name
// of the state to transition to next, or DoneState to finish. Returning
// an error fails the job via Handler.failJob.
type StateFunc func(ctx context.Context, h *Handler) (next string, err error)

// JobTypeDef registers everything the dispatcher needs to drive one job
// type: its version (bumped whenever HandlerState's meaning changes), its
// first state, and a constructor for its state table.
type JobTypeDef struct {
	Name       string
	Version    int
	FirstState string
	NewStates  func() map[string]StateFunc

	// ScoreTask optionally ranks candidate workers for this job type's
	// tasks beyond the assignment engine's built-in capability/zone
	// gates. Nil means every capable, in-zone worker scores the same.
	ScoreTask func(task *types.Task, worker *types.Worker) assign.Score
}

var (
	registryMu sync.RWMutex
	registry   = map[string]JobTypeDef{}
)

// RegisterJobType makes a job type available to createJob. Registering
// the same name twice replaces the previous definition, matching the
// original system's module-level handler registry: later imports win.
func RegisterJobType(def JobTypeDef) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[def.Name] = def
}

// LookupJobType returns the registered definition for jobType.
func LookupJobType(jobType string) (JobTypeDef, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	def, ok := registry[jobType]
	return def, ok
}

// Host is the subset of the dispatcher a Handler needs. It is defined
// here, not in the dispatcher package, so handler has no import-cycle
// dependency on its host; the dispatcher package implements it.
type Host interface {
	// UpdateJob persists job (including its current HandlerState) and
	// publishes the resulting status on the firehose. It returns
	// dispatcherrors.ErrPersistenceRace if job.Times.Ticks lost the
	// race against a newer write.
	UpdateJob(ctx context.Context, job *types.Job) error
	// CreateTask persists and enqueues task for assignment.
	CreateTask(ctx context.Context, task *types.Task) error
	// GetTask looks up a previously created task by UUID. Used by NewTask
	// when a state function re-runs after a restart and recreates a task
	// whose deterministic UUID already exists.
	GetTask(ctx context.Context, taskUUID uuid.UUID) (*types.Task, error)
	// JobDone tells the host this job has reached a final status and its
	// handler can be discarded.
	JobDone(jobUUID uuid.UUID)
}

// Handler drives one job's state machine. It is not safe for concurrent
// use by design: the dispatcher's cooperative event loop only ever calls
// into one Handler from one goroutine at a time.
type Handler struct {
	host    Host
	job     *types.Job
	def     JobTypeDef
	state   string
	started bool

	pending map[uuid.UUID]*taskWait
	log     *logger.Logger
}

type taskWait struct {
	callbacks []func(*types.Task)
	result    chan *types.Task
}

// New constructs a Handler for job using the registered definition for
// job.JobType. Call Start to begin running it, or Resume to pick up an
// existing job.HandlerState after a restart.
func New(host Host, job *types.Job, def JobTypeDef) *Handler {
	return &Handler{
		host:    host,
		job:     job,
		def:     def,
		pending: make(map[uuid.UUID]*taskWait),
		log:     logger.WithFields("component", "handler", "job_uuid", job.JobUUID.String(), "job_type", job.JobType),
	}
}

// Job returns the handler's job record.
func (h *Handler) Job() *types.Job { return h.job }

// Scorer adapts this handler's optional ScoreTask into an assign.Scorer,
// defaulting to a neutral score when the job type defines none.
func (h *Handler) Scorer() assign.Scorer {
	if h.def.ScoreTask == nil {
		return assign.ScorerFunc(func(*types.Task, *types.Worker) assign.Score {
			return assign.Score{Outcome: assign.Now, Value: 0}
		})
	}
	return assign.ScorerFunc(h.def.ScoreTask)
}

// State returns the handler's current state name.
func (h *Handler) State() string { return h.state }

// Start begins a freshly created job: sets it to the "initializing"
// status and transitions into its first state.
func (h *Handler) Start(ctx context.Context) error {
	if h.started {
		return fmt.Errorf("handler: job %s already started", h.job.JobUUID)
	}
	h.started = true
	if err := h.SetStatus(ctx, types.StatusInitializing, "Initializing", ""); err != nil {
		return err
	}
	return h.changeState(ctx, h.def.FirstState)
}

// Resume picks a handler back up after a dispatcher restart, using the
// state name recovered from job.HandlerState instead of FirstState.
// Called by dispatcher.Dispatcher.RecoverJobs for every non-final job
// found in storage at startup.
func (h *Handler) Resume(ctx context.Context, state string) error {
	h.started = true
	h.state = state
	return h.runState(ctx)
}

// changeState moves the handler to state, persists the job with its new
// HandlerState, and on success runs the new state. A no-op if state ==
// the current state, mirroring the original system's guard against
// re-entering a state the job is already in.
func (h *Handler) changeState(ctx context.Context, state string) error {
	if state == h.state {
		return nil
	}
	h.state = state

	frozen, err := types.Freeze(h.state, h.def.Version)
	if err != nil {
		return h.failJob(ctx, err, "Job failed", false)
	}
	h.job.HandlerState = frozen

	h.job.Times.Ticks++
	if err := h.host.UpdateJob(ctx, h.job); err != nil {
		return h.failJob(ctx, err, "Job failed", false)
	}
	return h.runState(ctx)
}

// runState invokes the state function named by h.state, if any, and
// schedules the transition to whatever state it names next.
func (h *Handler) runState(ctx context.Context) error {
	if h.state == DoneState {
		return nil
	}
	fn, ok := h.def.NewStates()[h.state]
	if !ok {
		return h.failJob(ctx, fmt.Errorf("handler: job type %q has no state %q", h.job.JobType, h.state), "Job failed", false)
	}
	next, err := fn(ctx, h)
	if err != nil {
		return h.failJob(ctx, err, "Job failed", false)
	}
	if next == "" {
		next = DoneState
	}
	return h.changeState(ctx, next)
}

// SetStatus persists a new job status. A failure to persist is itself
// fatal to the job: it calls failJob with failHard set to the status
// that was being recorded, so a job can't get stuck retrying a status
// write forever.
func (h *Handler) SetStatus(ctx context.Context, code int, text, detail string) error {
	status := types.NewJobStatus(code, text, detail)
	h.job.Status = status
	h.job.Times.Ticks++
	if err := h.host.UpdateJob(ctx, h.job); err != nil {
		return h.failJob(ctx, err, "Job failed", status.Failed())
	}
	return nil
}

// failJob moves the job to a failed, final status and the handler to
// DoneState. When failHard is set (the job's own status write already
// failed), it skips straight to JobDone instead of attempting another
// write that would likely fail the same way.
func (h *Handler) failJob(ctx context.Context, err error, message string, failHard bool) error {
	h.log.Error("job failed", "error", err, "fail_hard", failHard)
	if failHard {
		h.host.JobDone(h.job.JobUUID)
		h.state = DoneState
		return err
	}

	status := types.StatusFromError(err, message, 0)
	h.job.Status = status
	h.job.Times.Ticks = types.TickOverride
	if uerr := h.host.UpdateJob(ctx, h.job); uerr != nil {
		h.log.Error("failed to persist failure status, forcing job done", "error", uerr)
		h.host.JobDone(h.job.JobUUID)
	}
	h.state = DoneState
	return err
}

// NewTask creates and enqueues a task owned by this job, returning a
// channel that receives the task's final status once the dispatcher
// reports it. The channel is closed after it delivers its one value.
//
// A task's UUID is a deterministic function of its job and name (see
// types.NewTaskUUID), so a state function that re-runs after a restart
// and calls NewTask again for a task it already created hits
// ErrJobAlreadyExists instead of creating a duplicate; that case is
// handled here by adopting the existing task instead of failing the job.
func (h *Handler) NewTask(ctx context.Context, taskName, taskType, zone string, priority int, data types.FrozenObject) (<-chan *types.Task, error) {
	task := types.NewTask(h.job.JobUUID, taskName, taskType, zone, priority, data, h.job.Times.Updated)
	wait := &taskWait{result: make(chan *types.Task, 1)}

	if err := h.host.CreateTask(ctx, task); err != nil {
		if !dispatcherrors.IsAlreadyExists(err) {
			return nil, dispatcherrors.WrapTaskError(task.TaskUUID.String(), "newTask", err)
		}
		existing, gerr := h.host.GetTask(ctx, task.TaskUUID)
		if gerr != nil {
			return nil, dispatcherrors.WrapTaskError(task.TaskUUID.String(), "newTask", gerr)
		}
		if existing.Status.Final() {
			wait.result <- existing
			close(wait.result)
			return wait.result, nil
		}
		task = existing
	}

	h.pending[task.TaskUUID] = wait
	return wait.result, nil
}

// OnTaskUpdate registers a callback invoked on every status update for
// taskUUID, not just its final one, matching the original system's
// per-task callback list for handlers that care about intermediate
// progress.
func (h *Handler) OnTaskUpdate(taskUUID uuid.UUID, cb func(*types.Task)) {
	if wait, ok := h.pending[taskUUID]; ok {
		wait.callbacks = append(wait.callbacks, cb)
	}
}

// TaskUpdated delivers a task status update to whichever NewTask call
// created it. Superseded updates (no matching pending entry, because the
// task already finalized and was removed) are silently dropped, matching
// the original system's "race with an already-done job" behavior.
func (h *Handler) TaskUpdated(task *types.Task) {
	wait, ok := h.pending[task.TaskUUID]
	if !ok {
		return
	}
	for _, cb := range wait.callbacks {
		cb(task)
	}
	if task.Status.Final() {
		wait.result <- task
		close(wait.result)
		delete(h.pending, task.TaskUUID)
	}
}
