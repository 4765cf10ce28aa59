// Package assign implements the task assignment engine: a priority queue
// of unassigned tasks and the scoring logic that picks which worker, if
// any, should run the next task pulled from it.
package assign

import (
	"container/heap"
	"sync"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

// item is one task waiting in the queue, ordered by (priority, seq):
// lower TaskPriority runs first, and within the same priority tasks run
// in the order they were enqueued.
type item struct {
	task  *types.Task
	seq   int64
	index int
}

type heapSlice []*item

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	if h[i].task.TaskPriority != h[j].task.TaskPriority {
		return h[i].task.TaskPriority < h[j].task.TaskPriority
	}
	return h[i].seq < h[j].seq
}
func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *heapSlice) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *heapSlice) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe priority queue of tasks awaiting assignment.
type Queue struct {
	mu    sync.Mutex
	heap  heapSlice
	seq   int64
	index map[string]*item
}

// NewQueue returns an empty task queue.
func NewQueue() *Queue {
	q := &Queue{index: make(map[string]*item)}
	heap.Init(&q.heap)
	return q
}

// Push enqueues task. Re-pushing a task already in the queue replaces its
// entry (a task is only ever in the queue once).
func (q *Queue) Push(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := task.TaskUUID.String()
	if existing, ok := q.index[key]; ok {
		existing.task = task
		heap.Fix(&q.heap, existing.index)
		return
	}
	it := &item{task: task, seq: q.seq}
	q.seq++
	heap.Push(&q.heap, it)
	q.index[key] = it
}

// Pop removes and returns the highest-priority task, or nil if the queue
// is empty.
func (q *Queue) Pop() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.index, it.task.TaskUUID.String())
	return it.task
}

// Remove drops taskUUID from the queue if present, reporting whether it
// was found. Used when a job is torn down while some of its tasks are
// still queued.
func (q *Queue) Remove(taskUUID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[taskUUID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.index, taskUUID)
	return true
}

// Len reports the number of tasks currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Snapshot returns every queued task without removing it, in no
// particular order; used for diagnostics.
func (q *Queue) Snapshot() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Task, 0, len(q.heap))
	for _, it := range q.heap {
		out = append(out, it.task)
	}
	return out
}
