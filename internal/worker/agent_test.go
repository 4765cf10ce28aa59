package worker

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/bus"
	"github.com/forgelabs/dispatchd/internal/dispatch/types"
	"github.com/forgelabs/dispatchd/pkg/logger"
)

func discardLogger() *logger.Logger {
	return logger.NewWithConfig(logger.Config{Level: logger.ERROR, Output: io.Discard})
}

func pipeAgent(t *testing.T) (*Agent, *bus.Reader) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	w := &guardedWriter{w: bus.NewWriter(client)}
	agent := &Agent{
		cfg:          Config{WorkerID: "w1", Slots: 1},
		executor:     NoopExecutor,
		pool:         NewPool(1),
		log:          nil,
		hbWriter:     w,
		statusWriter: w,
		logWriter:    w,
	}
	return agent, bus.NewReader(server)
}

func TestAgent_SendHeartbeat(t *testing.T) {
	agent, reader := pipeAgent(t)
	agent.log = discardLogger()

	go agent.sendHeartbeat()

	frame, err := reader.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if frame.Kind != bus.KindHeartbeat {
		t.Fatalf("Kind = %v, want Heartbeat", frame.Kind)
	}
	var hb bus.Heartbeat
	if err := bus.DecodeBody(frame, &hb); err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	if hb.WorkerID != "w1" {
		t.Errorf("WorkerID = %v, want w1", hb.WorkerID)
	}
}

func TestAgent_RunTask_ReportsStatus(t *testing.T) {
	agent, reader := pipeAgent(t)
	agent.log = discardLogger()

	data, _ := types.Freeze("x", 1)
	task := types.NewTask(uuid.New(), "t", "build", "", 0, data, time.Now())

	go agent.runTask(context.Background(), task)

	frame, err := reader.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if frame.Kind != bus.KindTaskStatus {
		t.Fatalf("Kind = %v, want TaskStatus", frame.Kind)
	}

	var ts bus.TaskStatus
	if err := bus.DecodeBody(frame, &ts); err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	var got types.Task
	if err := types.Thaw(ts.Task, &got); err != nil {
		t.Fatalf("Thaw() error = %v", err)
	}
	if !got.Status.Completed() {
		t.Errorf("Status = %+v, want completed", got.Status)
	}

	if running := agent.pool.RunningTasks(); len(running) != 0 {
		t.Errorf("expected the slot to be released, got %v", running)
	}
}

func TestLogRelay_BuffersPartialLines(t *testing.T) {
	agent, reader := pipeAgent(t)
	agent.log = discardLogger()
	relay := newLogRelay(agent, uuid.New(), uuid.New())

	done := make(chan struct{})
	go func() {
		relay.Write([]byte("hello "))
		relay.Write([]byte("world\n"))
		close(done)
	}()

	frame, err := reader.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	var records bus.LogRecords
	if err := bus.DecodeBody(frame, &records); err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	if len(records.Records) != 1 || records.Records[0].Line != "hello world" {
		t.Errorf("Records = %+v", records.Records)
	}
	<-done
}
