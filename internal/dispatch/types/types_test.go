package types

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewTaskUUID_Deterministic(t *testing.T) {
	job := uuid.New()
	a := NewTaskUUID(job, "build")
	b := NewTaskUUID(job, "build")
	if a != b {
		t.Fatalf("NewTaskUUID should be deterministic, got %v and %v", a, b)
	}

	c := NewTaskUUID(job, "test")
	if a == c {
		t.Fatal("different task names should derive different UUIDs")
	}
}

func TestNewTaskUUID_DifferentJobs(t *testing.T) {
	a := NewTaskUUID(uuid.New(), "build")
	b := NewTaskUUID(uuid.New(), "build")
	if a == b {
		t.Fatal("the same task name under different jobs should derive different UUIDs")
	}
}

func TestJobStatus_Bands(t *testing.T) {
	tests := []struct {
		code                         int
		completed, failed, final bool
	}{
		{100, false, false, false},
		{150, false, false, false},
		{200, true, false, true},
		{250, true, false, true},
		{300, false, false, false},
		{400, false, true, true},
		{450, false, true, true},
	}
	for _, tt := range tests {
		s := NewJobStatus(tt.code, "x", "")
		if s.Completed() != tt.completed {
			t.Errorf("code %d: Completed() = %v, want %v", tt.code, s.Completed(), tt.completed)
		}
		if s.Failed() != tt.failed {
			t.Errorf("code %d: Failed() = %v, want %v", tt.code, s.Failed(), tt.failed)
		}
		if s.Final() != tt.final {
			t.Errorf("code %d: Final() = %v, want %v", tt.code, s.Final(), tt.final)
		}
	}
}

func TestStatusFromError_Defaults(t *testing.T) {
	s := StatusFromError(errors.New("boom"), "", 0)
	if s.Code != StatusFailed {
		t.Errorf("Code = %v, want %v", s.Code, StatusFailed)
	}
	if s.Text != "Fatal error" {
		t.Errorf("Text = %v, want default", s.Text)
	}
	if s.Detail != "boom" {
		t.Errorf("Detail = %v, want boom", s.Detail)
	}
}

func TestTask_ForUpdate(t *testing.T) {
	job := uuid.New()
	data, err := Freeze(map[string]string{"k": "v"}, 1)
	if err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}
	task := NewTask(job, "build", "build-type", "", 0, data, time.Now())
	task.Times.Ticks = 5

	upd := task.ForUpdate()
	if !upd.TaskData.IsZero() {
		t.Error("ForUpdate should clear task data")
	}
	if upd.Times.Ticks != TickOverride {
		t.Errorf("ForUpdate ticks = %v, want TickOverride", upd.Times.Ticks)
	}
	if task.Times.Ticks != 5 {
		t.Error("ForUpdate must not mutate the original task")
	}
}

func TestFreezeThaw_RoundTrip(t *testing.T) {
	type payload struct {
		Name string
		N    int
	}
	in := payload{Name: "hello", N: 42}
	frozen, err := Freeze(in, 1)
	if err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}
	if frozen.Kind != "msgpack" {
		t.Errorf("Kind = %v, want msgpack", frozen.Kind)
	}

	var out payload
	if err := Thaw(frozen, &out); err != nil {
		t.Fatalf("Thaw() error = %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestThaw_UnknownKind(t *testing.T) {
	f := FrozenObject{Kind: "pickle", Version: 1, Body: []byte("x")}
	var out interface{}
	if err := Thaw(f, &out); err == nil {
		t.Error("expected an error thawing an unrecognized kind")
	}
}
