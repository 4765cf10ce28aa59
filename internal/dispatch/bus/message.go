// Package bus defines the message contracts that cross the
// Dispatcher<->Worker connection and a yamux-multiplexed, msgpack-framed
// transport for them. The transport itself is a concrete substitute for
// the real system's messaging fabric, which is out of scope; only the
// message contracts below are part of the core's specified surface.
package bus

import "github.com/forgelabs/dispatchd/internal/dispatch/types"

// Kind identifies which message contract a Frame carries, so a single
// multiplexed stream can carry any of them self-describingly.
type Kind string

const (
	KindStartTask  Kind = "StartTask"
	KindTaskStatus Kind = "TaskStatus"
	KindHeartbeat  Kind = "Heartbeat"
	KindLogRecords Kind = "LogRecords"
)

// Frame is the self-describing envelope every message is wrapped in
// before being msgpack-encoded onto a bus stream.
type Frame struct {
	Kind Kind   `msgpack:"kind"`
	Body []byte `msgpack:"body"`
}

// StartTask is sent dispatcher -> worker to hand off one task. The task
// is carried frozen so the worker never needs the dispatcher's exact
// build of types.Task to decode the envelope, only FrozenObject.
type StartTask struct {
	Task types.FrozenObject `msgpack:"task"`
}

// TaskStatus is sent worker -> dispatcher to report a task's outcome,
// frozen for the same reason as StartTask.
type TaskStatus struct {
	Task types.FrozenObject `msgpack:"task"`
}

// Heartbeat is sent worker -> dispatcher on a fixed interval and carries
// everything the dispatcher needs to keep its WorkerInfo current.
type Heartbeat struct {
	WorkerID          string   `msgpack:"worker_id"`
	ProtocolVersions  []int    `msgpack:"protocol_versions"`
	TaskCapabilities  []string `msgpack:"task_capabilities"`
	ZoneCapabilities  []string `msgpack:"zone_capabilities"`
	Slots             int      `msgpack:"slots"`
	Addresses         []string `msgpack:"addresses"`
	RunningTaskUUIDs  []string `msgpack:"running_task_uuids"`
}

// LogRecord is one line of task or job-level log output.
type LogRecord struct {
	JobUUID  string `msgpack:"job_uuid"`
	TaskUUID string `msgpack:"task_uuid,omitempty"`
	Stream   string `msgpack:"stream"`
	Line     string `msgpack:"line"`
	UnixNano int64  `msgpack:"unix_nano"`
}

// LogRecords batches log lines from a single worker to amortize one
// round trip over many lines, the way the original system's log relay
// buffers before flushing.
type LogRecords struct {
	Records []LogRecord `msgpack:"records"`
}
