package replication

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/tangramdotdev/tangram/pkg/index"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/security"
	"github.com/tangramdotdev/tangram/pkg/store"
	"github.com/tangramdotdev/tangram/pkg/tag"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// Server is the receiving side of replication: it accepts objects
// pushed by peers (storing each and recording it in the index) and
// answers pull/sync requests from its own store and tag store.
type Server struct {
	store *store.Store
	index *index.Index
	tags  *tag.Store
	now   func() int64

	grpc *grpc.Server
}

// NewServer builds a Server and its mTLS-wrapped grpc.Server, issuing a
// replication-specific node certificate so replication traffic can be
// authorized independently of the client API surface.
func NewServer(st *store.Store, idx *index.Index, tags *tag.Store, ca *security.CertAuthority, nodeID string, dnsNames []string, ips []net.IP, now func() int64) (*Server, error) {
	cert, err := ca.IssueNodeCertificate(nodeID, dnsNames, ips)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "replication.NewServer", err, "failed to issue node certificate")
	}
	tlsConfig := security.ServerTLSConfig(cert, ca.RootCertPool())
	grpcServer := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig)))

	s := &Server{store: st, index: idx, tags: tags, now: now, grpc: grpcServer}
	grpcServer.RegisterService(&ServiceDesc, s)
	return s, nil
}

func (s *Server) Serve(lis net.Listener) error { return s.grpc.Serve(lis) }

func (s *Server) Stop() { s.grpc.GracefulStop() }

func (s *Server) acceptObject(frame ObjectFrame) error {
	id, err := object.Parse(frame.Id)
	if err != nil {
		return err
	}
	if _, err := s.store.Put(id.Kind(), frame.Data); err != nil {
		return err
	}
	if err := s.index.Put(context.Background(), id, index.ObjectMetadata{Size: uint64(len(frame.Data)), Stored: true}); err != nil {
		return err
	}
	return nil
}

func (s *Server) acceptTag(ctx context.Context, frame TagFrame) error {
	id, err := object.Parse(frame.Object)
	if err != nil {
		return err
	}
	return s.tags.Put(ctx, tag.Entry{
		Tag: tag.Tag(frame.Tag), Object: id, Remote: frame.Remote,
		TTLNanos: frame.TTLNanos, SetAt: frame.SetAt,
	})
}
