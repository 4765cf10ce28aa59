// Package worker implements the worker node agent described in spec.md
// §1: it accepts tasks pushed over the bus, runs each through a pluggable
// TaskExecutor in its own goroutine holding one slot of a fixed-size Pool
// (tasks run in-process, not in subprocesses), and reports capability,
// heartbeat, and status messages back to the dispatcher. Grounded on
// rmake's launcher.py: a bus client connection, a heartbeat timer, and a
// process pool with one slot per concurrently running task.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/bus"
	"github.com/forgelabs/dispatchd/internal/dispatch/types"
	"github.com/forgelabs/dispatchd/pkg/logger"
)

// Config configures a worker agent.
type Config struct {
	WorkerID          string
	Slots             int
	TaskCapabilities  []string
	ZoneCapabilities  []string
	HeartbeatInterval time.Duration
}

// guardedWriter serializes writes onto one bus stream: a stream can be
// fed from several goroutines (LogRecords from every concurrently
// running task's log relay), and msgpack's encoder isn't safe for
// concurrent use against the same connection.
type guardedWriter struct {
	mu sync.Mutex
	w  *bus.Writer
}

func (g *guardedWriter) send(kind bus.Kind, payload interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.w.Send(kind, payload)
}

// Agent is the worker node's supervisor: one bus session to the
// dispatcher multiplexed into per-kind streams, a bounded task pool, and
// the heartbeat loop that reports liveness and capacity.
type Agent struct {
	cfg      Config
	executor TaskExecutor
	pool     *Pool
	log      *logger.Logger

	session     *bus.Session
	startStream net.Conn

	hbWriter     *guardedWriter
	statusWriter *guardedWriter
	logWriter    *guardedWriter
}

// Dial connects to the dispatcher's bus address, opens one outbound
// stream per worker-originated message kind (Heartbeat, TaskStatus,
// LogRecords), and accepts the dispatcher's StartTask stream. Each kind
// gets its own yamux logical stream so a burst on one never blocks
// delivery on another.
func Dial(address string, cfg Config, executor TaskExecutor) (*Agent, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("worker: dial dispatcher bus: %w", err)
	}
	session, err := bus.NewClientSession(conn)
	if err != nil {
		return nil, err
	}

	hbStream, err := session.OpenKind(bus.KindHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("worker: open heartbeat stream: %w", err)
	}
	statusStream, err := session.OpenKind(bus.KindTaskStatus)
	if err != nil {
		return nil, fmt.Errorf("worker: open task-status stream: %w", err)
	}
	logStream, err := session.OpenKind(bus.KindLogRecords)
	if err != nil {
		return nil, fmt.Errorf("worker: open log-records stream: %w", err)
	}
	startStream, kind, err := session.AcceptKind()
	if err != nil {
		return nil, fmt.Errorf("worker: accept start-task stream: %w", err)
	}
	if kind != bus.KindStartTask {
		return nil, fmt.Errorf("worker: expected a %s stream from the dispatcher, got %s", bus.KindStartTask, kind)
	}

	if executor == nil {
		executor = NoopExecutor
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}

	return &Agent{
		cfg:          cfg,
		executor:     executor,
		pool:         NewPool(cfg.Slots),
		log:          logger.WithFields("component", "worker", "worker_id", cfg.WorkerID),
		session:      session,
		startStream:  startStream,
		hbWriter:     &guardedWriter{w: bus.NewWriter(hbStream)},
		statusWriter: &guardedWriter{w: bus.NewWriter(statusStream)},
		logWriter:    &guardedWriter{w: bus.NewWriter(logStream)},
	}, nil
}

// Close tears down the bus connection.
func (a *Agent) Close() error {
	return a.session.Close()
}

// Run drives the agent until ctx is cancelled: it reads StartTask messages
// off the dispatcher's stream and sends heartbeats on a fixed interval.
// Each StartTask is launched in its own goroutine, gated by the pool's
// slots.
func (a *Agent) Run(ctx context.Context) error {
	reader := bus.NewReader(a.startStream)

	go a.heartbeatLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := reader.Next()
		if err != nil {
			return fmt.Errorf("worker: bus read: %w", err)
		}
		if frame.Kind != bus.KindStartTask {
			a.log.Warn("unexpected frame kind on start-task stream", "kind", frame.Kind)
			continue
		}
		var start bus.StartTask
		if err := bus.DecodeBody(frame, &start); err != nil {
			a.log.Error("failed to decode StartTask", "error", err)
			continue
		}
		var task types.Task
		if err := types.Thaw(start.Task, &task); err != nil {
			a.log.Error("failed to thaw task", "error", err)
			continue
		}
		go a.runTask(ctx, &task)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.sendHeartbeat()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) sendHeartbeat() {
	running := a.pool.RunningTasks()
	ids := make([]string, 0, len(running))
	for _, id := range running {
		ids = append(ids, id.String())
	}

	hb := bus.Heartbeat{
		WorkerID:         a.cfg.WorkerID,
		ProtocolVersions: protocolVersionList(),
		TaskCapabilities: a.cfg.TaskCapabilities,
		ZoneCapabilities: a.cfg.ZoneCapabilities,
		Slots:            a.pool.Slots(),
		RunningTaskUUIDs: ids,
	}
	a.send(bus.KindHeartbeat, hb)
}

func protocolVersionList() []int {
	out := make([]int, 0, len(types.ProtocolVersions))
	for v := range types.ProtocolVersions {
		out = append(out, v)
	}
	return out
}

func (a *Agent) send(kind bus.Kind, payload interface{}) {
	var w *guardedWriter
	switch kind {
	case bus.KindHeartbeat:
		w = a.hbWriter
	case bus.KindTaskStatus:
		w = a.statusWriter
	case bus.KindLogRecords:
		w = a.logWriter
	default:
		a.log.Error("bus send: unsupported kind", "kind", kind)
		return
	}
	if err := w.send(kind, payload); err != nil {
		a.log.Error("bus send failed", "kind", kind, "error", err)
	}
}

// runTask occupies one pool slot for the task's lifetime, runs it through
// the executor, and reports its final status. The slot is only released
// once the executor has fully returned, matching the "slot returned only
// after the child is fully reaped" invariant.
func (a *Agent) runTask(ctx context.Context, task *types.Task) {
	a.pool.Acquire(task.TaskUUID)
	defer a.pool.Release(task.TaskUUID)

	relay := newLogRelay(a, task.JobUUID, task.TaskUUID)
	defer relay.Close()

	status, err := a.executor.Execute(ctx, task, relay)
	if err != nil {
		status = types.StatusFromError(err, "Fatal error in task runner", 0)
	}

	updated := task.ForUpdate()
	updated.Status = status
	frozen, ferr := types.Freeze(updated, 1)
	if ferr != nil {
		a.log.Error("failed to freeze task status", "task_uuid", task.TaskUUID, "error", ferr)
		return
	}
	a.send(bus.KindTaskStatus, bus.TaskStatus{Task: frozen})
}

// logRelay buffers a task's output and sends each complete line as its
// own LogRecords message.
type logRelay struct {
	agent    *Agent
	jobUUID  uuid.UUID
	taskUUID uuid.UUID
	mu       sync.Mutex
	buf      bytes.Buffer
}

func newLogRelay(agent *Agent, jobUUID, taskUUID uuid.UUID) *logRelay {
	return &logRelay{agent: agent, jobUUID: jobUUID, taskUUID: taskUUID}
}

// Write buffers p and flushes whenever a full line accumulates.
func (r *logRelay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	r.flushLines()
	return len(p), nil
}

func (r *logRelay) flushLines() {
	for {
		line, err := r.buf.ReadString('\n')
		if err != nil {
			// incomplete line: push it back and wait for more
			r.buf.WriteString(line)
			return
		}
		r.agent.send(bus.KindLogRecords, bus.LogRecords{Records: []bus.LogRecord{{
			JobUUID:  r.jobUUID.String(),
			TaskUUID: r.taskUUID.String(),
			Stream:   "stdout",
			Line:     line[:len(line)-1],
			UnixNano: time.Now().UnixNano(),
		}}})
	}
}

// Close flushes whatever partial line remains buffered.
func (r *logRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf.Len() == 0 {
		return nil
	}
	r.agent.send(bus.KindLogRecords, bus.LogRecords{Records: []bus.LogRecord{{
		JobUUID:  r.jobUUID.String(),
		TaskUUID: r.taskUUID.String(),
		Stream:   "stdout",
		Line:     r.buf.String(),
		UnixNano: time.Now().UnixNano(),
	}}})
	r.buf.Reset()
	return nil
}
