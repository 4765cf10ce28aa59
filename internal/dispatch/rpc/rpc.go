// Package rpc implements the Client <-> Dispatcher request/response surface
// over classic net/rpc, using msgpack for the wire encoding instead of
// gob. Client-facing errors cross the wire as a Fault's "Kind: Message"
// text, which Client turns back into a *Fault. It is the request/response
// counterpart to the bus
// package's push-style Dispatcher <-> Worker messages.
package rpc

import (
	"context"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

// ServiceName is the net/rpc service name under which Dispatcher is
// registered; RPC methods are addressed as ServiceName+".MethodName".
const ServiceName = "Dispatcher"

// Backend is the subset of dispatcher behavior the RPC surface calls into.
// Defined here, not in the dispatcher package, so dispatcher can depend on
// rpc without an import cycle.
type Backend interface {
	CreateJob(ctx context.Context, jobType, owner string, data types.FrozenObject, firehoseSession *uuid.UUID) (*types.Job, error)
	GetJobs(ctx context.Context, uuids []uuid.UUID) ([]*types.Job, error)
	DeleteJobs(ctx context.Context, uuids []uuid.UUID) error
	GetWorkerList(ctx context.Context) (map[string]*WorkerSummary, error)
	Ping(ctx context.Context) error
}

// WorkerSummary is the public view of a worker returned by getWorkerList:
// per spec.md, a worker ID mapped to its reservation (currently unused,
// always nil, but present for protocol forward-compatibility).
type WorkerSummary struct {
	WorkerID string
	Reserved *string
}

// Fault is the serialized form of a client-facing error: a stable kind tag
// plus a human-readable message, so clients can branch on Kind without
// string-matching Message. Mirrors spec.md's "(error-kind, payload)"
// RPC fault contract.
type Fault struct {
	Kind    string
	Message string
}

func (f *Fault) Error() string { return f.Kind + ": " + f.Message }

// Fault kinds returned by the Dispatcher service.
const (
	FaultJobNotFound        = "JobNotFound"
	FaultUnsupportedJobType = "UnsupportedJobType"
	FaultNonFinalDelete     = "NonFinalDelete"
	FaultInvalidSession     = "InvalidFirehoseSession"
	FaultInternal           = "Internal"
)

// NewFault builds a Fault with the given kind and message.
func NewFault(kind string, err error) *Fault {
	if err == nil {
		return &Fault{Kind: kind}
	}
	return &Fault{Kind: kind, Message: err.Error()}
}

// CreateJobArgs is the request for Dispatcher.CreateJob.
type CreateJobArgs struct {
	JobType         string
	Owner           string
	Data            types.FrozenObject
	FirehoseSession *uuid.UUID
}

// CreateJobReply is the response for Dispatcher.CreateJob.
type CreateJobReply struct {
	Job *types.Job
}

// GetJobsArgs is the request for Dispatcher.GetJobs.
type GetJobsArgs struct {
	UUIDs []uuid.UUID
}

// GetJobsReply is the response for Dispatcher.GetJobs.
type GetJobsReply struct {
	Jobs []*types.Job
}

// DeleteJobsArgs is the request for Dispatcher.DeleteJobs.
type DeleteJobsArgs struct {
	UUIDs []uuid.UUID
}

// DeleteJobsReply is the (empty) response for Dispatcher.DeleteJobs.
type DeleteJobsReply struct{}

// GetWorkerListArgs is the (empty) request for Dispatcher.GetWorkerList.
type GetWorkerListArgs struct{}

// GetWorkerListReply is the response for Dispatcher.GetWorkerList.
type GetWorkerListReply struct {
	Workers map[string]*WorkerSummary
}

// PingArgs is the (empty) request for Dispatcher.Ping.
type PingArgs struct{}

// PingReply is the (empty) response for Dispatcher.Ping.
type PingReply struct{}
