package worker

import (
	"sync"

	"github.com/google/uuid"
)

// Pool bounds how many tasks a worker runs concurrently to its configured
// slot count. Each running task owns exactly one slot; the slot is
// returned only once Release is called for it, mirroring rmake's
// ProcessPool: a slot is never reused while its child is still being
// reaped.
type Pool struct {
	mu      sync.Mutex
	slots   int
	running map[uuid.UUID]struct{}
	free    chan struct{}
}

// NewPool creates a pool with the given number of slots.
func NewPool(slots int) *Pool {
	p := &Pool{
		slots:   slots,
		running: make(map[uuid.UUID]struct{}, slots),
		free:    make(chan struct{}, slots),
	}
	for i := 0; i < slots; i++ {
		p.free <- struct{}{}
	}
	return p
}

// Acquire blocks until a slot is free, then reserves it for taskUUID.
func (p *Pool) Acquire(taskUUID uuid.UUID) {
	<-p.free
	p.mu.Lock()
	p.running[taskUUID] = struct{}{}
	p.mu.Unlock()
}

// Release returns taskUUID's slot to the pool once its child has been
// fully reaped.
func (p *Pool) Release(taskUUID uuid.UUID) {
	p.mu.Lock()
	delete(p.running, taskUUID)
	p.mu.Unlock()
	p.free <- struct{}{}
}

// RunningTasks returns the UUIDs of tasks currently occupying a slot, used
// to populate a heartbeat's RunningTaskUUIDs.
func (p *Pool) RunningTasks() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uuid.UUID, 0, len(p.running))
	for id := range p.running {
		out = append(out, id)
	}
	return out
}

// Slots returns the pool's configured capacity.
func (p *Pool) Slots() int { return p.slots }
