package rpc

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"strings"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

// Client is a thin wrapper over net/rpc's generated call pattern, scoped to
// the Dispatcher service's five methods.
type Client struct {
	conn  net.Conn
	codec rpc.ClientCodec
}

// Dial connects to a dispatcher's RPC listen address and returns a Client.
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("dial dispatcher rpc: %w", err)
	}
	return &Client{conn: conn, codec: msgpackrpc.NewCodec(false, true, conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(method string, args, reply interface{}) error {
	if err := msgpackrpc.CallWithCodec(c.codec, ServiceName+"."+method, args, reply); err != nil {
		// net/rpc carries a server-side error as its Error() text, which
		// for a *Fault is "Kind: Message"; rebuild the Fault from it.
		var serr rpc.ServerError
		if errors.As(err, &serr) {
			if kind, msg, ok := strings.Cut(string(serr), ": "); ok {
				return &Fault{Kind: kind, Message: msg}
			}
		}
		return err
	}
	return nil
}

// CreateJob calls Dispatcher.CreateJob.
func (c *Client) CreateJob(jobType, owner string, data types.FrozenObject, firehoseSession *uuid.UUID) (*types.Job, error) {
	args := &CreateJobArgs{JobType: jobType, Owner: owner, Data: data, FirehoseSession: firehoseSession}
	var reply CreateJobReply
	if err := c.call("CreateJob", args, &reply); err != nil {
		return nil, err
	}
	return reply.Job, nil
}

// GetJobs calls Dispatcher.GetJobs.
func (c *Client) GetJobs(uuids []uuid.UUID) ([]*types.Job, error) {
	args := &GetJobsArgs{UUIDs: uuids}
	var reply GetJobsReply
	if err := c.call("GetJobs", args, &reply); err != nil {
		return nil, err
	}
	return reply.Jobs, nil
}

// DeleteJobs calls Dispatcher.DeleteJobs.
func (c *Client) DeleteJobs(uuids []uuid.UUID) error {
	args := &DeleteJobsArgs{UUIDs: uuids}
	var reply DeleteJobsReply
	return c.call("DeleteJobs", args, &reply)
}

// GetWorkerList calls Dispatcher.GetWorkerList.
func (c *Client) GetWorkerList() (map[string]*WorkerSummary, error) {
	var reply GetWorkerListReply
	if err := c.call("GetWorkerList", &GetWorkerListArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Workers, nil
}

// Ping calls Dispatcher.Ping.
func (c *Client) Ping() error {
	var reply PingReply
	return c.call("Ping", &PingArgs{}, &reply)
}
