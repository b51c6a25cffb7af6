package replication

import (
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"github.com/tangramdotdev/tangram/pkg/metrics"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/tag"
)

// ServiceDesc registers the three replication RPCs against a
// grpc.Server, the same hand-built-ServiceDesc approach pkg/api uses
// (see pkg/api/doc.go).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tangram.replication.Service",
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Push", Handler: pushHandler, ClientStreams: true},
		{StreamName: "Pull", Handler: pullHandler, ServerStreams: true},
		{StreamName: "SyncTags", Handler: syncTagsHandler, ServerStreams: true},
	},
	Metadata: "tangram/replication.proto",
}

// pushHandler receives a stream of ObjectFrame from a peer pushing
// objects to us, storing each and replying with a summary once the
// peer half-closes.
func pushHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var summary PushSummary
	for {
		var frame ObjectFrame
		err := stream.RecvMsg(&frame)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := s.acceptObject(frame); err != nil {
			summary.Rejected++
			continue
		}
		summary.Accepted++
		metrics.ReplicationObjectsTotal.WithLabelValues("pull").Inc()
	}
	return stream.SendMsg(&summary)
}

// pullHandler streams back every object a PullRequest names, by id or
// (when Ids is empty) the object each tag matching TagPattern names;
// objects those reference are not sent.
func pullHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var req PullRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	ids := req.Ids
	if len(ids) == 0 && req.TagPattern != "" {
		entries, err := s.tags.List(stream.Context(), tag.ParsePattern(req.TagPattern))
		if err != nil {
			return err
		}
		for _, e := range entries {
			ids = append(ids, e.Object.String())
		}
	}

	for _, idStr := range ids {
		id, err := object.Parse(idStr)
		if err != nil {
			continue
		}
		data, err := s.store.Get(id)
		if err != nil {
			continue
		}
		frame := ObjectFrame{Id: idStr, Data: data}
		if err := stream.SendMsg(&frame); err != nil {
			return err
		}
		metrics.ReplicationObjectsTotal.WithLabelValues("push").Inc()
	}
	return nil
}

// syncTagsHandler streams back every entry matching the request's
// pattern that was set at or after Since, terminated by a frame with
// Done set so the client knows to stop without relying on stream
// closure timing.
func syncTagsHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var req TagSyncRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	if req.Pattern == "" {
		return stream.SendMsg(&TagFrame{Done: true})
	}

	entries, err := s.tags.List(stream.Context(), tag.ParsePattern(req.Pattern))
	if err != nil {
		return err
	}
	start := time.Now()
	for _, e := range entries {
		if e.SetAt < req.Since {
			continue
		}
		frame := TagFrame{Tag: string(e.Tag), Object: e.Object.String(), Remote: e.Remote, TTLNanos: e.TTLNanos, SetAt: e.SetAt}
		if err := stream.SendMsg(&frame); err != nil {
			return err
		}
	}
	metrics.ReplicationLagSeconds.WithLabelValues(peerAddr(stream)).Set(time.Since(start).Seconds())
	return stream.SendMsg(&TagFrame{Done: true})
}

func peerAddr(stream grpc.ServerStream) string {
	p, ok := peer.FromContext(stream.Context())
	if !ok || p.Addr == nil {
		return "unknown"
	}
	return p.Addr.String()
}
