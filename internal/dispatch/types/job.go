// Package types holds the data model shared by the dispatcher, the job
// handlers, the task assignment engine, and the worker node agent: jobs,
// tasks, workers, capabilities, and the frozen-object wire envelope.
package types

import (
	"time"

	"github.com/google/uuid"
)

// NamespaceTask is the UUID namespace tasks are derived from, so a task's
// identity is a pure function of its job and name rather than a random
// value the dispatcher must remember to persist before a crash can lose it.
var NamespaceTask = uuid.MustParse("6ba7b815-9dad-11d1-80b4-00c04fd430c8")

// NewTaskUUID derives a task's identity deterministically from its job and
// name: re-running the same job deterministically reproduces the same task
// identities, so a crash-and-retry of createTask is naturally idempotent.
func NewTaskUUID(jobUUID uuid.UUID, taskName string) uuid.UUID {
	return uuid.NewSHA1(NamespaceTask, []byte(jobUUID.String()+taskName))
}

// JobStatus is a status code, a short human-readable summary, and an
// optional longer detail. Code ranges partition status into four bands:
// [100,200) running, [200,300) completed, [300,400) reserved, [400,500)
// failed.
type JobStatus struct {
	Code   int    `msgpack:"code"`
	Text   string `msgpack:"text"`
	Detail string `msgpack:"detail,omitempty"`
}

const (
	StatusInitializing = 100
	StatusRunning      = 101
	StatusCompleted    = 200
	StatusFailed       = 400

	// TaskNotAssignable is the status code a task's status is set to when
	// the assignment engine cannot find it a home.
	TaskNotAssignable = 400
	// WorkerGoneStatus is the status code synthesized for tasks whose
	// worker has gone offline.
	WorkerGoneStatus = 400
)

func (s JobStatus) Completed() bool { return s.Code >= 200 && s.Code < 300 }
func (s JobStatus) Failed() bool    { return s.Code >= 400 && s.Code < 500 }
func (s JobStatus) Final() bool     { return s.Completed() || s.Failed() }

// NewJobStatus constructs a JobStatus from a code, text, and optional
// detail.
func NewJobStatus(code int, text string, detail string) JobStatus {
	return JobStatus{Code: code, Text: text, Detail: detail}
}

// StatusFromError builds a failed JobStatus (code 400 by default) whose
// detail is err's message, the Go analogue of rmake's
// JobStatus.from_failure(reason).
func StatusFromError(err error, text string, code int) JobStatus {
	if code == 0 {
		code = StatusFailed
	}
	if text == "" {
		text = "Fatal error"
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return JobStatus{Code: code, Text: text, Detail: detail}
}

// TickOverride disables the monotonic tick guard on a persistence write,
// used when a status-setting write must win regardless of the current
// tick (failJob's failure-status write, the dispatcher's assignment and
// unassignable-task writes, WorkerDown, and Task.ForUpdate).
const TickOverride = -1

// JobTimes tracks a job or task's lifecycle timestamps and its
// monotonically increasing tick counter. Every persisted update to a job
// or task must carry ticks strictly greater than the last persisted value,
// unless ticks == TickOverride.
type JobTimes struct {
	Started      time.Time  `msgpack:"started"`
	Updated      time.Time  `msgpack:"updated"`
	Finished     *time.Time `msgpack:"finished,omitempty"`
	ExpiresAfter *time.Time `msgpack:"expires_after,omitempty"`
	Ticks        int64      `msgpack:"ticks"`
}

// NewJobTimes returns JobTimes with Started/Updated set to now and
// Ticks at its default of -1 (no writes have landed yet).
func NewJobTimes(now time.Time) JobTimes {
	return JobTimes{Started: now, Updated: now, Ticks: -1}
}

// Job is one unit of work tracked end-to-end by the dispatcher: a job
// type drives which JobHandler owns it, and its status/times are the
// fields every persistence write touches.
type Job struct {
	JobUUID uuid.UUID    `msgpack:"job_uuid"`
	JobType string       `msgpack:"job_type"`
	Owner   string       `msgpack:"owner"`
	Status  JobStatus    `msgpack:"status"`
	Times   JobTimes     `msgpack:"times"`
	Data    FrozenObject `msgpack:"data"`
	// HandlerState is the job handler's own frozen state machine
	// position, persisted alongside the job so a dispatcher restart can
	// resume a job's handler at the right step instead of from scratch.
	HandlerState FrozenObject `msgpack:"handler_state,omitempty"`
}

// NewJob constructs a fresh job in its initial (uninitialized) status.
func NewJob(jobType, owner string, data FrozenObject, now time.Time) *Job {
	return &Job{
		JobUUID: uuid.New(),
		JobType: jobType,
		Owner:   owner,
		Status:  NewJobStatus(StatusInitializing, "Job created", ""),
		Times:   NewJobTimes(now),
		Data:    data,
	}
}

// Task is one unit of dispatchable work belonging to a job. TaskUUID is
// always NewTaskUUID(JobUUID, TaskName): two tasks with the same name in
// the same job are, by construction, the same task.
type Task struct {
	TaskUUID     uuid.UUID    `msgpack:"task_uuid"`
	JobUUID      uuid.UUID    `msgpack:"job_uuid"`
	TaskName     string       `msgpack:"task_name"`
	TaskType     string       `msgpack:"task_type"`
	TaskZone     string       `msgpack:"task_zone,omitempty"`
	TaskPriority int          `msgpack:"task_priority"`
	TaskData     FrozenObject `msgpack:"task_data"`
	NodeAssigned string       `msgpack:"node_assigned,omitempty"`
	Status       JobStatus    `msgpack:"status"`
	Times        JobTimes     `msgpack:"times"`
}

// NewTask constructs a task for jobUUID. Its identity is derived, not
// assigned, per NewTaskUUID.
func NewTask(jobUUID uuid.UUID, taskName, taskType, zone string, priority int, data FrozenObject, now time.Time) *Task {
	return &Task{
		TaskUUID:     NewTaskUUID(jobUUID, taskName),
		JobUUID:      jobUUID,
		TaskName:     taskName,
		TaskType:     taskType,
		TaskZone:     zone,
		TaskPriority: priority,
		TaskData:     data,
		Status:       NewJobStatus(StatusInitializing, "Task created", ""),
		Times:        NewJobTimes(now),
	}
}

// ForUpdate returns a copy of the task prepared for a status-only
// persistence write: task data is dropped (it doesn't change after
// creation, so there's no reason to make the caller resend it) and the
// tick guard is disabled, mirroring rmake's TaskInfo.taskForUpdate.
func (t *Task) ForUpdate() *Task {
	cp := *t
	cp.TaskData = FrozenObject{}
	cp.Times.Ticks = TickOverride
	return &cp
}
