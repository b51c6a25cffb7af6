package client

import (
	"context"
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/tangramdotdev/tangram/pkg/api"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// Client is a connection to one tangram server's API.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens an mTLS connection to addr. tlsConfig should carry the
// caller's client certificate and the root CA pool from pkg/security.
func Dial(addr string, tlsConfig *tls.Config) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "client.Dial", err, "failed to dial server")
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if err := c.conn.Invoke(ctx, "/tangram.api.Service/"+method, req, resp); err != nil {
		return tgerror.Wrap(tgerror.IO, "client.Client.invoke", err, "rpc "+method+" failed")
	}
	return nil
}

// GetObject fetches the canonical bytes stored for id.
func (c *Client) GetObject(ctx context.Context, id object.Id) ([]byte, error) {
	var resp api.GetObjectResponse
	if err := c.invoke(ctx, "GetObject", &api.GetObjectRequest{Id: id.String()}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// PutObject stores data under the id it hashes to for kind.
func (c *Client) PutObject(ctx context.Context, kind object.Kind, data []byte) (object.Id, error) {
	var resp api.PutObjectResponse
	if err := c.invoke(ctx, "PutObject", &api.PutObjectRequest{Kind: kind.String(), Data: data}, &resp); err != nil {
		return object.Id{}, err
	}
	return object.Parse(resp.Id)
}

// SpawnProcess enqueues cmdID for execution and returns the id of the
// Process record tracking it.
func (c *Client) SpawnProcess(ctx context.Context, cmdID object.Id) (object.Id, error) {
	var resp api.SpawnProcessResponse
	if err := c.invoke(ctx, "SpawnProcess", &api.SpawnProcessRequest{CommandId: cmdID.String()}, &resp); err != nil {
		return object.Id{}, err
	}
	return object.Parse(resp.ProcessId)
}

// DequeueResult is the next queued process a worker should run, or Empty
// if nothing is currently queued for host.
type DequeueResult struct {
	ProcessId object.Id
	CommandId object.Id
	Empty     bool
}

// DequeueProcess asks for the next queued process this worker's sandbox
// should run. host filters to commands targeting this worker specifically;
// an empty host accepts any queued process.
func (c *Client) DequeueProcess(ctx context.Context, host string) (DequeueResult, error) {
	var resp api.DequeueProcessResponse
	if err := c.invoke(ctx, "DequeueProcess", &api.DequeueProcessRequest{Host: host}, &resp); err != nil {
		return DequeueResult{}, err
	}
	if resp.Empty {
		return DequeueResult{Empty: true}, nil
	}
	procID, err := object.Parse(resp.ProcessId)
	if err != nil {
		return DequeueResult{}, err
	}
	cmdID, err := object.Parse(resp.CommandId)
	if err != nil {
		return DequeueResult{}, err
	}
	return DequeueResult{ProcessId: procID, CommandId: cmdID}, nil
}

// UpdateProcess reports a dequeued process's terminal outcome: status,
// plus the output or error object a worker stored locally (and is
// expected to have replicated already).
func (c *Client) UpdateProcess(ctx context.Context, procID object.Id, status string, outputID, errID *object.Id) error {
	req := &api.UpdateProcessRequest{ProcessId: procID.String(), Status: status}
	if outputID != nil {
		req.OutputId = outputID.String()
	}
	if errID != nil {
		req.ErrorId = errID.String()
	}
	var resp api.UpdateProcessResponse
	return c.invoke(ctx, "UpdateProcess", req, &resp)
}

// PutTag upserts a single tag entry.
func (c *Client) PutTag(ctx context.Context, tag string, obj object.Id, remote string, ttlNanos, setAt int64) error {
	req := &api.BatchTagsRequest{Puts: []api.TagEntryWire{{Tag: tag, Object: obj.String(), Remote: remote, TTLNanos: ttlNanos, SetAt: setAt}}}
	var resp api.BatchTagsResponse
	return c.invoke(ctx, "BatchTags", req, &resp)
}

// DeleteTag removes every tag equal to or nested under prefix.
func (c *Client) DeleteTag(ctx context.Context, prefix string) error {
	req := &api.BatchTagsRequest{Deletes: []string{prefix}}
	var resp api.BatchTagsResponse
	return c.invoke(ctx, "BatchTags", req, &resp)
}

// ListTags returns every tag entry matching pattern.
func (c *Client) ListTags(ctx context.Context, pattern string) ([]api.TagEntryWire, error) {
	req := &api.BatchTagsRequest{List: pattern}
	var resp api.BatchTagsResponse
	if err := c.invoke(ctx, "BatchTags", req, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// AttachPipe opens a bidirectional pipe stream for procID, returning
// send and receive channels. The send channel should be closed by the
// caller once done writing; the receive channel closes when the server
// ends the stream.
func (c *Client) AttachPipe(ctx context.Context, procID object.Id) (chan<- api.PipeFrame, <-chan api.PipeFrame, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Pipe", ServerStreams: true, ClientStreams: true}, "/tangram.api.Service/Pipe")
	if err != nil {
		return nil, nil, tgerror.Wrap(tgerror.IO, "client.Client.AttachPipe", err, "failed to open pipe stream")
	}
	if err := stream.SendMsg(&api.PipeFrame{ProcessId: procID.String()}); err != nil {
		return nil, nil, err
	}

	send := make(chan api.PipeFrame)
	recv := make(chan api.PipeFrame)
	go func() {
		for frame := range send {
			if err := stream.SendMsg(&frame); err != nil {
				return
			}
		}
		_ = stream.CloseSend()
	}()
	go func() {
		defer close(recv)
		for {
			var frame api.PipeFrame
			if err := stream.RecvMsg(&frame); err != nil {
				return
			}
			recv <- frame
			if frame.Closed {
				return
			}
		}
	}()
	return send, recv, nil
}
