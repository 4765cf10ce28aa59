package dispatcher

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/bus"
	"github.com/forgelabs/dispatchd/internal/dispatch/types"
	"github.com/forgelabs/dispatchd/pkg/logger"
)

func parseJobUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func errNoConnection(workerID string) error {
	return fmt.Errorf("bus: no connection for worker %q", workerID)
}

// NetBus implements WorkerBus over real bus.Session connections accepted
// from workers: one session per worker, multiplexed into a dedicated
// yamux stream per message kind, keyed by the worker ID its first
// Heartbeat announces.
type NetBus struct {
	d    *Dispatcher
	logs *LogTree
	log  *logger.Logger

	mu      sync.Mutex
	writers map[string]*bus.Writer
}

// NewNetBus creates a NetBus delivering worker messages into d and log
// records into logs.
func NewNetBus(d *Dispatcher, logs *LogTree) *NetBus {
	return &NetBus{
		d:       d,
		logs:    logs,
		log:     logger.WithField("component", "bus"),
		writers: make(map[string]*bus.Writer),
	}
}

// Serve accepts worker connections on ln until it is closed.
func (n *NetBus) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go n.handleConn(conn)
	}
}

// handleConn multiplexes one worker connection into its four logical
// streams: the dispatcher opens the StartTask stream it pushes on, and
// accepts the three the worker opens (Heartbeat, TaskStatus, LogRecords),
// matching by the kind header each declares rather than accept order.
// Each inbound stream is then read by its own goroutine so a burst of
// LogRecords can never delay a Heartbeat or TaskStatus update.
func (n *NetBus) handleConn(conn net.Conn) {
	session, err := bus.NewServerSession(conn)
	if err != nil {
		n.log.Error("bus session setup failed", "error", err)
		conn.Close()
		return
	}
	defer session.Close()

	startStream, err := session.OpenKind(bus.KindStartTask)
	if err != nil {
		n.log.Error("bus start-task stream open failed", "error", err)
		return
	}
	writer := bus.NewWriter(startStream)

	streams := make(map[bus.Kind]net.Conn, 3)
	for len(streams) < 3 {
		s, kind, err := session.AcceptKind()
		if err != nil {
			n.log.Error("bus stream accept failed", "error", err)
			return
		}
		streams[kind] = s
	}
	hbStream, hbOK := streams[bus.KindHeartbeat]
	statusStream, statusOK := streams[bus.KindTaskStatus]
	logStream, logOK := streams[bus.KindLogRecords]
	if !hbOK || !statusOK || !logOK {
		n.log.Error("worker opened an unexpected set of streams", "kinds", streams)
		return
	}

	var mu sync.Mutex
	var workerID string
	registerWorker := func(id string) {
		mu.Lock()
		defer mu.Unlock()
		if workerID == "" {
			workerID = id
			n.mu.Lock()
			n.writers[id] = writer
			n.mu.Unlock()
		}
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(3)
	go n.readHeartbeats(ctx, bus.NewReader(hbStream), registerWorker, &wg)
	go n.readTaskStatus(ctx, bus.NewReader(statusStream), &wg)
	go n.readLogRecords(bus.NewReader(logStream), &wg)
	wg.Wait()

	mu.Lock()
	id := workerID
	mu.Unlock()
	if id != "" {
		n.mu.Lock()
		delete(n.writers, id)
		n.mu.Unlock()
		n.log.Warn("worker bus connection closed", "worker_id", id)
	}
}

func (n *NetBus) readHeartbeats(ctx context.Context, reader *bus.Reader, registerWorker func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		frame, err := reader.Next()
		if err != nil {
			return
		}
		if frame.Kind != bus.KindHeartbeat {
			n.log.Warn("unexpected frame kind on heartbeat stream", "kind", frame.Kind)
			continue
		}
		var hb bus.Heartbeat
		if err := bus.DecodeBody(frame, &hb); err != nil {
			n.log.Error("failed to decode heartbeat", "error", err)
			continue
		}
		registerWorker(hb.WorkerID)
		n.d.WorkerHeartbeat(ctx, hb)
	}
}

func (n *NetBus) readTaskStatus(ctx context.Context, reader *bus.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		frame, err := reader.Next()
		if err != nil {
			return
		}
		if frame.Kind != bus.KindTaskStatus {
			n.log.Warn("unexpected frame kind on task-status stream", "kind", frame.Kind)
			continue
		}
		var ts bus.TaskStatus
		if err := bus.DecodeBody(frame, &ts); err != nil {
			n.log.Error("failed to decode task status", "error", err)
			continue
		}
		var task types.Task
		if err := types.Thaw(ts.Task, &task); err != nil {
			n.log.Error("failed to thaw task status", "error", err)
			continue
		}
		if err := n.d.UpdateTask(ctx, &task); err != nil {
			n.log.Error("failed to apply task status", "task_uuid", task.TaskUUID, "error", err)
		}
	}
}

func (n *NetBus) readLogRecords(reader *bus.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		frame, err := reader.Next()
		if err != nil {
			return
		}
		if frame.Kind != bus.KindLogRecords {
			n.log.Warn("unexpected frame kind on log-records stream", "kind", frame.Kind)
			continue
		}
		var records bus.LogRecords
		if err := bus.DecodeBody(frame, &records); err != nil {
			n.log.Error("failed to decode log records", "error", err)
			continue
		}
		if len(records.Records) == 0 {
			continue
		}
		jobUUID, perr := parseJobUUID(records.Records[0].JobUUID)
		if perr != nil {
			continue
		}
		if err := n.logs.Append(jobUUID, records.Records); err != nil {
			n.log.Error("failed to append log records", "error", err)
		}
	}
}

// StartTask implements WorkerBus by pushing a StartTask frame to
// workerID's stream.
func (n *NetBus) StartTask(workerID string, task *types.Task) error {
	n.mu.Lock()
	writer, ok := n.writers[workerID]
	n.mu.Unlock()
	if !ok {
		return errNoConnection(workerID)
	}

	frozen, err := types.Freeze(task, 1)
	if err != nil {
		return err
	}
	return writer.Send(bus.KindStartTask, bus.StartTask{Task: frozen})
}
