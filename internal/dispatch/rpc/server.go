package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	dispatcherrors "github.com/forgelabs/dispatchd/pkg/errors"
	"github.com/forgelabs/dispatchd/pkg/logger"
)

// Service adapts a Backend to net/rpc's exported-method convention and
// serves it over msgpack-encoded connections.
type Service struct {
	backend Backend
	log     *logger.Logger
}

// NewService wraps backend as a net/rpc service.
func NewService(backend Backend) *Service {
	return &Service{backend: backend, log: logger.WithField("component", "rpc")}
}

// Register adds the service to server under ServiceName.
func (s *Service) Register(server *rpc.Server) error {
	return server.RegisterName(ServiceName, s)
}

// Serve accepts connections on ln, serving each with a msgpack codec until
// ln is closed.
func Serve(ln net.Listener, backend Backend) error {
	server := rpc.NewServer()
	if err := NewService(backend).Register(server); err != nil {
		return err
	}
	log := logger.WithField("component", "rpc")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			codec := msgpackrpc.NewCodec(false, true, conn)
			server.ServeCodec(codec)
			log.Debug("rpc connection closed", "remote", conn.RemoteAddr())
		}()
	}
}

func toFault(kind string, err error) error {
	if err == nil {
		return nil
	}
	return NewFault(kind, err)
}

// CreateJob is the net/rpc method for Dispatcher.CreateJob.
func (s *Service) CreateJob(args *CreateJobArgs, reply *CreateJobReply) error {
	job, err := s.backend.CreateJob(context.Background(), args.JobType, args.Owner, args.Data, args.FirehoseSession)
	if err != nil {
		if errors.Is(err, dispatcherrors.ErrUnsupportedJobType) {
			return toFault(FaultUnsupportedJobType, err)
		}
		if errors.Is(err, dispatcherrors.ErrInvalidFirehoseSession) {
			return toFault(FaultInvalidSession, err)
		}
		return toFault(FaultInternal, err)
	}
	reply.Job = job
	return nil
}

// GetJobs is the net/rpc method for Dispatcher.GetJobs.
func (s *Service) GetJobs(args *GetJobsArgs, reply *GetJobsReply) error {
	jobs, err := s.backend.GetJobs(context.Background(), args.UUIDs)
	if err != nil {
		return toFault(FaultJobNotFound, err)
	}
	reply.Jobs = jobs
	return nil
}

// DeleteJobs is the net/rpc method for Dispatcher.DeleteJobs.
func (s *Service) DeleteJobs(args *DeleteJobsArgs, reply *DeleteJobsReply) error {
	err := s.backend.DeleteJobs(context.Background(), args.UUIDs)
	if err != nil {
		if errors.Is(err, dispatcherrors.ErrNonFinalDelete) {
			return toFault(FaultNonFinalDelete, err)
		}
		if errors.Is(err, dispatcherrors.ErrJobNotFound) {
			return toFault(FaultJobNotFound, err)
		}
		return toFault(FaultInternal, err)
	}
	return nil
}

// GetWorkerList is the net/rpc method for Dispatcher.GetWorkerList.
func (s *Service) GetWorkerList(args *GetWorkerListArgs, reply *GetWorkerListReply) error {
	workers, err := s.backend.GetWorkerList(context.Background())
	if err != nil {
		return toFault(FaultInternal, err)
	}
	reply.Workers = workers
	return nil
}

// Ping is the net/rpc method for Dispatcher.Ping.
func (s *Service) Ping(args *PingArgs, reply *PingReply) error {
	if err := s.backend.Ping(context.Background()); err != nil {
		return toFault(FaultInternal, err)
	}
	return nil
}
