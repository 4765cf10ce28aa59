package assign

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

func newQueueTask(priority int) *types.Task {
	return types.NewTask(uuid.New(), "t", "build", "", priority, types.FrozenObject{}, time.Now())
}

func TestQueue_PopsInPriorityOrder(t *testing.T) {
	q := NewQueue()
	low := newQueueTask(5)
	high := newQueueTask(0)
	mid := newQueueTask(2)

	q.Push(low)
	q.Push(high)
	q.Push(mid)

	if got := q.Pop(); got != high {
		t.Errorf("expected highest-priority (lowest number) task first")
	}
	if got := q.Pop(); got != mid {
		t.Errorf("expected mid-priority task second")
	}
	if got := q.Pop(); got != low {
		t.Errorf("expected low-priority task last")
	}
	if got := q.Pop(); got != nil {
		t.Errorf("expected nil from an empty queue, got %v", got)
	}
}

func TestQueue_FIFOWithinSamePriority(t *testing.T) {
	q := NewQueue()
	first := newQueueTask(1)
	second := newQueueTask(1)
	q.Push(first)
	q.Push(second)

	if got := q.Pop(); got != first {
		t.Error("expected FIFO order within the same priority")
	}
	if got := q.Pop(); got != second {
		t.Error("expected FIFO order within the same priority")
	}
}

func TestQueue_Remove(t *testing.T) {
	q := NewQueue()
	task := newQueueTask(1)
	q.Push(task)

	if !q.Remove(task.TaskUUID.String()) {
		t.Fatal("expected Remove to find the task")
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %v, want 0", q.Len())
	}
	if q.Remove(task.TaskUUID.String()) {
		t.Error("expected Remove to report false for an already-removed task")
	}
}
