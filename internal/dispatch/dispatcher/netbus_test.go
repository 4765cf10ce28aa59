package dispatcher

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/assign"
	"github.com/forgelabs/dispatchd/internal/dispatch/firehose"
	"github.com/forgelabs/dispatchd/internal/dispatch/storage"
	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

func TestNetBus_StartTask_NoConnection(t *testing.T) {
	workers, err := NewWorkerRegistry()
	if err != nil {
		t.Fatalf("NewWorkerRegistry() error = %v", err)
	}
	logs := NewLogTree(t.TempDir(), time.Minute)
	d := New(storage.NewMemoryBackend(), workers, assign.NewQueue(), firehose.NewHub(), logs, nil, Config{HeartbeatMissedLimit: 3})
	nb := NewNetBus(d, logs)

	task := types.NewTask(uuid.New(), "t", "build", "", 0, types.FrozenObject{}, time.Now())
	if err := nb.StartTask("missing-worker", task); err == nil {
		t.Fatal("expected an error for a worker with no open connection")
	}
}

func TestParseJobUUID(t *testing.T) {
	if _, err := parseJobUUID("not-a-uuid"); err == nil {
		t.Error("expected an error for a malformed UUID string")
	}
}
