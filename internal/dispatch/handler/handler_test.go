package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
	dispatcherrors "github.com/forgelabs/dispatchd/pkg/errors"
)

type fakeHost struct {
	updates      []*types.Job
	created      []*types.Task
	doneCalls    []uuid.UUID
	failNext     bool
	existingTask *types.Task
}

func (f *fakeHost) UpdateJob(_ context.Context, job *types.Job) error {
	if f.failNext {
		f.failNext = false
		return errors.New("boom")
	}
	cp := *job
	f.updates = append(f.updates, &cp)
	return nil
}

func (f *fakeHost) CreateTask(_ context.Context, task *types.Task) error {
	if f.existingTask != nil && f.existingTask.TaskUUID == task.TaskUUID {
		return dispatcherrors.WrapTaskError(task.TaskUUID.String(), "createTask", dispatcherrors.ErrJobAlreadyExists)
	}
	f.created = append(f.created, task)
	return nil
}

func (f *fakeHost) GetTask(_ context.Context, taskUUID uuid.UUID) (*types.Task, error) {
	if f.existingTask != nil && f.existingTask.TaskUUID == taskUUID {
		return f.existingTask, nil
	}
	return nil, dispatcherrors.NewJobNotFoundError(taskUUID.String())
}

func (f *fakeHost) JobDone(jobUUID uuid.UUID) {
	f.doneCalls = append(f.doneCalls, jobUUID)
}

func newTestJob(jobType string) *types.Job {
	data, _ := types.Freeze("payload", 1)
	return types.NewJob(jobType, "alice", data, time.Now())
}

func twoStateDef() JobTypeDef {
	return JobTypeDef{
		Name:       "two-step",
		Version:    1,
		FirstState: "first",
		NewStates: func() map[string]StateFunc {
			return map[string]StateFunc{
				"first": func(ctx context.Context, h *Handler) (string, error) {
					return "second", nil
				},
				"second": func(ctx context.Context, h *Handler) (string, error) {
					return DoneState, nil
				},
			}
		},
	}
}

func TestHandler_Start_RunsToCompletion(t *testing.T) {
	host := &fakeHost{}
	job := newTestJob("two-step")
	h := New(host, job, twoStateDef())

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.State() != DoneState {
		t.Errorf("State() = %v, want %v", h.State(), DoneState)
	}
	if len(host.updates) == 0 {
		t.Error("expected at least one UpdateJob call")
	}
}

func TestHandler_ChangeState_NoOpOnSameState(t *testing.T) {
	host := &fakeHost{}
	job := newTestJob("two-step")
	h := New(host, job, twoStateDef())
	h.state = "first"
	h.started = true

	before := len(host.updates)
	if err := h.changeState(context.Background(), "first"); err != nil {
		t.Fatalf("changeState() error = %v", err)
	}
	if len(host.updates) != before {
		t.Error("changeState to the same state should not persist again")
	}
}

func TestHandler_FailJob_OnMissingState(t *testing.T) {
	host := &fakeHost{}
	job := newTestJob("broken")
	def := JobTypeDef{
		Name:       "broken",
		Version:    1,
		FirstState: "nope",
		NewStates:  func() map[string]StateFunc { return map[string]StateFunc{} },
	}
	h := New(host, job, def)

	err := h.Start(context.Background())
	if err == nil {
		t.Fatal("expected an error for a missing state function")
	}
	if !h.Job().Status.Failed() {
		t.Error("expected job status to be failed")
	}
	if h.State() != DoneState {
		t.Errorf("State() = %v, want %v", h.State(), DoneState)
	}
}

func TestHandler_FailJob_HardFailure(t *testing.T) {
	host := &fakeHost{}
	job := newTestJob("two-step")
	h := New(host, job, twoStateDef())
	host.failNext = true

	err := h.Start(context.Background())
	if err == nil {
		t.Fatal("expected an error when the initial status write fails")
	}
	if len(host.doneCalls) != 1 {
		t.Fatalf("expected JobDone to be called once, got %d", len(host.doneCalls))
	}
}

func TestHandler_NewTaskAndTaskUpdated(t *testing.T) {
	host := &fakeHost{}
	job := newTestJob("two-step")
	h := New(host, job, twoStateDef())
	h.started = true
	h.state = "first"

	data, _ := types.Freeze("x", 1)
	resultCh, err := h.NewTask(context.Background(), "compile", "build", "", 0, data)
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	if len(host.created) != 1 {
		t.Fatalf("expected one created task, got %d", len(host.created))
	}

	task := host.created[0]
	task.Status = types.NewJobStatus(types.StatusCompleted, "done", "")
	h.TaskUpdated(task)

	select {
	case got := <-resultCh:
		if got.TaskUUID != task.TaskUUID {
			t.Error("received task does not match")
		}
	default:
		t.Fatal("expected a final task update to be delivered")
	}
}

func TestHandler_NewTask_AdoptsExistingFinalTask(t *testing.T) {
	host := &fakeHost{}
	job := newTestJob("two-step")
	h := New(host, job, twoStateDef())
	h.started = true
	h.state = "first"

	data, _ := types.Freeze("x", 1)
	finished := types.NewTask(job.JobUUID, "compile", "build", "", 0, data, time.Now())
	finished.Status = types.NewJobStatus(types.StatusCompleted, "done", "")
	host.existingTask = finished

	resultCh, err := h.NewTask(context.Background(), "compile", "build", "", 0, data)
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	if len(host.created) != 0 {
		t.Errorf("expected no new task to be created, got %d", len(host.created))
	}

	select {
	case got := <-resultCh:
		if got.TaskUUID != finished.TaskUUID {
			t.Error("received task does not match the pre-existing one")
		}
	default:
		t.Fatal("expected the pre-existing final task to be delivered immediately")
	}
}

func TestHandler_NewTask_AdoptsExistingInFlightTask(t *testing.T) {
	host := &fakeHost{}
	job := newTestJob("two-step")
	h := New(host, job, twoStateDef())
	h.started = true
	h.state = "first"

	data, _ := types.Freeze("x", 1)
	running := types.NewTask(job.JobUUID, "compile", "build", "", 0, data, time.Now())
	host.existingTask = running

	resultCh, err := h.NewTask(context.Background(), "compile", "build", "", 0, data)
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}

	running.Status = types.NewJobStatus(types.StatusCompleted, "done", "")
	h.TaskUpdated(running)

	select {
	case got := <-resultCh:
		if got.TaskUUID != running.TaskUUID {
			t.Error("received task does not match")
		}
	default:
		t.Fatal("expected the adopted task's completion to be delivered")
	}
}

func TestHandler_TaskUpdated_Superseded(t *testing.T) {
	host := &fakeHost{}
	job := newTestJob("two-step")
	h := New(host, job, twoStateDef())

	// No pending wait registered for this task: must not panic.
	orphan := types.NewTask(job.JobUUID, "ghost", "build", "", 0, types.FrozenObject{}, time.Now())
	orphan.Status = types.NewJobStatus(types.StatusCompleted, "done", "")
	h.TaskUpdated(orphan)
}
