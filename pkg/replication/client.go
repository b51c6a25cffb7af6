package replication

import (
	"context"
	"crypto/tls"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/tangramdotdev/tangram/pkg/metrics"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/store"
	"github.com/tangramdotdev/tangram/pkg/tag"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// Peer is a replication connection to one remote node. Grounded on the
// teacher's Worker.connectWithMTLS: a single grpc.ClientConn reused for
// every call this peer is asked to make.
type Peer struct {
	conn *grpc.ClientConn
}

// Dial opens an mTLS connection to a peer's replication listener.
func Dial(addr string, tlsConfig *tls.Config) (*Peer, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "replication.Dial", err, "failed to dial peer")
	}
	return &Peer{conn: conn}, nil
}

func (p *Peer) Close() error { return p.conn.Close() }

// Client drives replication calls against peers using a local store
// and tag store. It implements push (sending objects this node has to a
// peer), pull (fetching objects a peer has that this node lacks), and
// tag sync.
type Client struct {
	store *store.Store
	tags  *tag.Store
}

func NewClient(st *store.Store, tags *tag.Store) *Client {
	return &Client{store: st, tags: tags}
}

// Push sends every object named in ids to peer, reading each from the
// local store.
func (c *Client) Push(ctx context.Context, peer *Peer, ids []object.Id) (PushSummary, error) {
	stream, err := peer.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Push", ClientStreams: true}, "/tangram.replication.Service/Push")
	if err != nil {
		return PushSummary{}, tgerror.Wrap(tgerror.IO, "replication.Client.Push", err, "failed to open push stream")
	}
	for _, id := range ids {
		data, err := c.store.Get(id)
		if err != nil {
			continue
		}
		frame := ObjectFrame{Id: id.String(), Data: data}
		if err := stream.SendMsg(&frame); err != nil {
			return PushSummary{}, err
		}
	}
	if err := stream.CloseSend(); err != nil {
		return PushSummary{}, err
	}
	var summary PushSummary
	if err := stream.RecvMsg(&summary); err != nil {
		return PushSummary{}, err
	}
	metrics.ReplicationObjectsTotal.WithLabelValues("push").Add(float64(summary.Accepted))
	return summary, nil
}

// Pull fetches every object named in ids (or, if ids is empty, the
// object each tag matching tagPattern names; objects those reference are
// not fetched) from peer and stores it locally.
func (c *Client) Pull(ctx context.Context, peer *Peer, ids []object.Id, tagPattern string) (int, error) {
	stream, err := peer.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Pull", ServerStreams: true}, "/tangram.replication.Service/Pull")
	if err != nil {
		return 0, tgerror.Wrap(tgerror.IO, "replication.Client.Pull", err, "failed to open pull stream")
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}
	if err := stream.SendMsg(&PullRequest{Ids: idStrs, TagPattern: tagPattern}); err != nil {
		return 0, err
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}

	var count int
	for {
		var frame ObjectFrame
		err := stream.RecvMsg(&frame)
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, err
		}
		id, err := object.Parse(frame.Id)
		if err != nil {
			continue
		}
		if _, err := c.store.Put(id.Kind(), frame.Data); err != nil {
			return count, err
		}
		count++
	}
	metrics.ReplicationObjectsTotal.WithLabelValues("pull").Add(float64(count))
	return count, nil
}

// SyncTags pulls every tag matching pattern set at or after since from
// peer and stores it locally, returning the number of entries applied.
func (c *Client) SyncTags(ctx context.Context, peer *Peer, pattern string, since int64) (int, error) {
	stream, err := peer.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "SyncTags", ServerStreams: true}, "/tangram.replication.Service/SyncTags")
	if err != nil {
		return 0, tgerror.Wrap(tgerror.IO, "replication.Client.SyncTags", err, "failed to open tag sync stream")
	}
	if err := stream.SendMsg(&TagSyncRequest{Pattern: pattern, Since: since}); err != nil {
		return 0, err
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}

	var count int
	for {
		var frame TagFrame
		if err := stream.RecvMsg(&frame); err != nil {
			if err == io.EOF {
				break
			}
			return count, err
		}
		if frame.Done {
			break
		}
		id, err := object.Parse(frame.Object)
		if err != nil {
			continue
		}
		if err := c.tags.Put(ctx, tag.Entry{
			Tag: tag.Tag(frame.Tag), Object: id, Remote: frame.Remote,
			TTLNanos: frame.TTLNanos, SetAt: frame.SetAt,
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
