package worker

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool(1)
	id1 := uuid.New()
	id2 := uuid.New()

	p.Acquire(id1)
	if got := p.RunningTasks(); len(got) != 1 || got[0] != id1 {
		t.Fatalf("RunningTasks() = %v", got)
	}

	acquired := make(chan struct{})
	go func() {
		p.Acquire(id2)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("expected Acquire to block while the only slot is taken")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(id1)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected Acquire to unblock after Release")
	}
	p.Release(id2)
}

func TestPool_Slots(t *testing.T) {
	p := NewPool(4)
	if p.Slots() != 4 {
		t.Errorf("Slots() = %d, want 4", p.Slots())
	}
}
