package api

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/tangramdotdev/tangram/pkg/messenger"
)

// ServiceDesc registers every RPC this package exposes against a
// grpc.Server. It plays the role a protoc-generated *_grpc.pb.go file
// normally would; see doc.go for why it is hand-built instead.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tangram.api.Service",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetObject", Handler: unaryHandler(func(s *Server, ctx context.Context, req *GetObjectRequest) (*GetObjectResponse, error) {
			return s.getObject(ctx, req)
		})},
		{MethodName: "PutObject", Handler: unaryHandler(func(s *Server, ctx context.Context, req *PutObjectRequest) (*PutObjectResponse, error) {
			return s.putObject(ctx, req)
		})},
		{MethodName: "SpawnProcess", Handler: unaryHandler(func(s *Server, ctx context.Context, req *SpawnProcessRequest) (*SpawnProcessResponse, error) {
			return s.spawnProcess(ctx, req)
		})},
		{MethodName: "DequeueProcess", Handler: unaryHandler(func(s *Server, ctx context.Context, req *DequeueProcessRequest) (*DequeueProcessResponse, error) {
			return s.dequeueProcess(ctx, req)
		})},
		{MethodName: "UpdateProcess", Handler: unaryHandler(func(s *Server, ctx context.Context, req *UpdateProcessRequest) (*UpdateProcessResponse, error) {
			return s.updateProcess(ctx, req)
		})},
		{MethodName: "BatchTags", Handler: unaryHandler(func(s *Server, ctx context.Context, req *BatchTagsRequest) (*BatchTagsResponse, error) {
			return s.batchTags(ctx, req)
		})},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Pipe", Handler: pipeHandler, ServerStreams: true, ClientStreams: true},
		{StreamName: "Pty", Handler: ptyHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "tangram/api.proto",
}

// unaryHandler adapts a typed (*Server, context.Context, *Req) -> (*Resp, error)
// method into the untyped grpc.MethodDesc.Handler shape, decoding the
// request with the codec the transport negotiated (codec.go's jsonCodec
// in the single-process case) and running any server interceptor chain.
func unaryHandler[Req any, Resp any](fn func(s *Server, ctx context.Context, req *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return fn(s, ctx, req)
		}
		method, _ := grpc.Method(ctx)
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// pipeHandler relays PipeFrame messages bidirectionally: client-sent
// frames (normally stdin for a process this peer is feeding) are
// published on the process's messenger subject, and frames published by
// a locally executing process (see Server.publishPipeOutput) are
// forwarded back to the client until it closes the stream or a Closed
// frame arrives.
func pipeHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var first PipeFrame
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	if first.ProcessId == "" {
		return invalidArgument("first pipe frame must set process_id")
	}
	subject := messenger.Subject("process." + first.ProcessId + ".pipe")

	ctx := stream.Context()
	sub, err := s.msg.Subscribe(ctx, subject)
	if err != nil {
		return internal(err.Error())
	}
	defer sub.Close()

	errCh := make(chan error, 1)
	go func() {
		frame := first
		for {
			if frame.Data != nil || frame.Closed {
				if err := s.msg.Publish(ctx, subject, marshalPipeFrame(frame)); err != nil {
					errCh <- err
					return
				}
			}
			if frame.Closed {
				errCh <- nil
				return
			}
			frame = PipeFrame{}
			if err := stream.RecvMsg(&frame); err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		select {
		case msg := <-sub.Messages():
			var out PipeFrame
			if err := json.Unmarshal(msg.Data, &out); err != nil {
				continue
			}
			if err := stream.SendMsg(&out); err != nil {
				return err
			}
			if out.Closed {
				return nil
			}
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func marshalPipeFrame(f PipeFrame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// ptyHandler mirrors pipeHandler for terminal-attached sessions; frames
// carry combined I/O plus an optional resize instead of a named stream.
func ptyHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var first PtyFrame
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	if first.ProcessId == "" {
		return invalidArgument("first pty frame must set process_id")
	}
	subject := messenger.Subject("process." + first.ProcessId + ".pty")

	ctx := stream.Context()
	sub, err := s.msg.Subscribe(ctx, subject)
	if err != nil {
		return internal(err.Error())
	}
	defer sub.Close()

	errCh := make(chan error, 1)
	go func() {
		frame := first
		for {
			if frame.Data != nil || frame.Closed || frame.Rows != 0 || frame.Cols != 0 {
				data, _ := json.Marshal(frame)
				if err := s.msg.Publish(ctx, subject, data); err != nil {
					errCh <- err
					return
				}
			}
			if frame.Closed {
				errCh <- nil
				return
			}
			frame = PtyFrame{}
			if err := stream.RecvMsg(&frame); err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		select {
		case msg := <-sub.Messages():
			var out PtyFrame
			if err := json.Unmarshal(msg.Data, &out); err != nil {
				continue
			}
			if err := stream.SendMsg(&out); err != nil {
				return err
			}
			if out.Closed {
				return nil
			}
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
