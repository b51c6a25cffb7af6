package api

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/tangramdotdev/tangram/pkg/blob"
	"github.com/tangramdotdev/tangram/pkg/index"
	"github.com/tangramdotdev/tangram/pkg/log"
	"github.com/tangramdotdev/tangram/pkg/messenger"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/sandbox"
	"github.com/tangramdotdev/tangram/pkg/security"
	"github.com/tangramdotdev/tangram/pkg/store"
	"github.com/tangramdotdev/tangram/pkg/tag"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// Server implements the tangram API service: object storage,
// process lifecycle, and tag batch operations, over a gRPC server
// using the JSON wire codec from codec.go. Grounded on the teacher's
// pkg/api/server.go for the mTLS-wrapped grpc.Server wiring.
type Server struct {
	store   *store.Store
	index   *index.Index
	tags    *tag.Store
	sandbox *sandbox.Sandbox
	msg     messenger.Messenger
	nodeID  string
	now     func() int64

	grpc *grpc.Server

	mu    sync.Mutex
	queue []queuedProcess
}

type queuedProcess struct {
	processID object.Id
	commandID object.Id
	host      string
}

// NewServer builds a Server and its mTLS-wrapped grpc.Server, issuing
// this node's server certificate from ca. msg carries pipe/pty frames
// between a locally executing process and any client attached to it;
// now stamps tag entries this server records (normally time.Now().UnixNano).
func NewServer(st *store.Store, idx *index.Index, tags *tag.Store, sb *sandbox.Sandbox, msg messenger.Messenger, ca *security.CertAuthority, nodeID string, dnsNames []string, ips []net.IP, now func() int64) (*Server, error) {
	cert, err := ca.IssueNodeCertificate(nodeID, dnsNames, ips)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "api.NewServer", err, "failed to issue node certificate")
	}
	tlsConfig := security.ServerTLSConfig(cert, ca.RootCertPool())

	grpcServer := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.UnaryInterceptor(MetricsInterceptor()),
	)

	s := &Server{store: st, index: idx, tags: tags, sandbox: sb, msg: msg, nodeID: nodeID, now: now, grpc: grpcServer}
	grpcServer.RegisterService(&ServiceDesc, s)
	return s, nil
}

// Serve blocks accepting connections on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully shuts down the gRPC server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// ---- unary handlers ----

func (s *Server) getObject(ctx context.Context, req *GetObjectRequest) (*GetObjectResponse, error) {
	id, err := object.Parse(req.Id)
	if err != nil {
		return nil, invalidArgument(err.Error())
	}
	data, err := s.store.Get(id)
	if err != nil {
		if tgerror.Is(err, tgerror.NotFound) {
			return nil, notFound(err.Error())
		}
		return nil, internal(err.Error())
	}
	_ = s.index.Touch(ctx, id)
	return &GetObjectResponse{Kind: id.Kind().String(), Data: data}, nil
}

func (s *Server) putObject(ctx context.Context, req *PutObjectRequest) (*PutObjectResponse, error) {
	kind, ok := parseKind(req.Kind)
	if !ok {
		return nil, invalidArgument("unknown object kind " + req.Kind)
	}
	id, err := s.store.Put(kind, req.Data)
	if err != nil {
		return nil, internal(err.Error())
	}
	if err := s.index.Put(ctx, id, index.ObjectMetadata{Size: uint64(len(req.Data)), Stored: true}); err != nil {
		return nil, internal(err.Error())
	}
	return &PutObjectResponse{Id: id.String()}, nil
}

func (s *Server) spawnProcess(ctx context.Context, req *SpawnProcessRequest) (*SpawnProcessResponse, error) {
	cmdID, err := object.Parse(req.CommandId)
	if err != nil {
		return nil, invalidArgument(err.Error())
	}
	cmdNode, err := s.store.GetNode(cmdID)
	if err != nil {
		return nil, internal(err.Error())
	}
	cmd, ok := cmdNode.(*object.Command)
	if !ok {
		return nil, invalidArgument("id does not address a command")
	}
	proc := &object.Process{Command: object.NewObjectEdge(cmdID), Status: object.ProcessStatusCreated}
	procID, err := s.store.PutNode(proc)
	if err != nil {
		return nil, internal(err.Error())
	}
	if err := s.index.PutProcess(ctx, procID, index.ProcessMetadata{Status: index.ProcessCreated}); err != nil {
		return nil, internal(err.Error())
	}

	if s.sandbox != nil && (cmd.Host == "" || cmd.Host == "any" || cmd.Host == s.nodeID) {
		// This node can run the command itself; there is no point
		// routing it through a remote worker's dequeue loop.
		go s.runLocal(procID, cmdID)
	} else {
		s.mu.Lock()
		s.queue = append(s.queue, queuedProcess{processID: procID, commandID: cmdID, host: cmd.Host})
		s.mu.Unlock()
	}

	return &SpawnProcessResponse{ProcessId: procID.String()}, nil
}

// runLocal executes a just-spawned process inline using this node's
// sandbox, records the outcome in the index and as tags beneath
// process/<id>/, and relays captured output over the messenger so a
// client attached via Pipe receives it.
func (s *Server) runLocal(procID, cmdID object.Id) {
	ctx := context.Background()
	logger := log.WithProcessID(procID.String())
	if err := s.index.PutProcess(ctx, procID, index.ProcessMetadata{Status: index.ProcessStarted}); err != nil {
		logger.Error().Err(err).Msg("failed to record process started")
	}

	proc, err := s.sandbox.Run(ctx, cmdID)
	if err != nil {
		logger.Error().Err(err).Msg("sandbox run failed")
		if ierr := s.index.PutProcess(ctx, procID, index.ProcessMetadata{Status: index.ProcessFailed}); ierr != nil {
			logger.Error().Err(ierr).Msg("failed to record process failure")
		}
		s.publishPipeClose(procID)
		return
	}

	status := index.ProcessSucceeded
	var resultEdge *object.Edge
	tagSuffix := "output"
	if proc.Status == object.ProcessStatusFailed {
		status = index.ProcessFailed
		resultEdge = proc.Error
		tagSuffix = "error"
	} else {
		resultEdge = proc.Output
	}

	if resultEdge != nil && resultEdge.Object != nil {
		if terr := s.tags.Put(ctx, tag.Entry{
			Tag:    tag.Join("process", procID.String(), tagSuffix),
			Object: *resultEdge.Object,
			SetAt:  s.now(),
		}); terr != nil {
			logger.Error().Err(terr).Msg("failed to record process result tag")
		}
		s.publishPipeOutput(procID, *resultEdge.Object)
	}

	if err := s.index.PutProcess(ctx, procID, index.ProcessMetadata{Status: status}); err != nil {
		logger.Error().Err(err).Msg("failed to record process terminal status")
	}
}

// pipeSubject names the messenger subject a process's captured output
// is relayed on for clients attached through Pipe.
func pipeSubject(procID object.Id) messenger.Subject {
	return messenger.Subject("process." + procID.String() + ".pipe")
}

func (s *Server) publishPipeOutput(procID, fileID object.Id) {
	if s.msg == nil {
		return
	}
	node, err := s.store.GetNode(fileID)
	if err != nil {
		return
	}
	file, ok := node.(*object.File)
	if !ok || file.Contents.Object == nil {
		return
	}
	data, err := blob.Read(s.store, *file.Contents.Object)
	if err != nil {
		return
	}
	frame := PipeFrame{ProcessId: procID.String(), Stream: "stdout", Data: data, Closed: true}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = s.msg.Publish(context.Background(), pipeSubject(procID), encoded)
}

func (s *Server) publishPipeClose(procID object.Id) {
	if s.msg == nil {
		return
	}
	frame := PipeFrame{ProcessId: procID.String(), Stream: "stderr", Closed: true}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = s.msg.Publish(context.Background(), pipeSubject(procID), encoded)
}

func (s *Server) dequeueProcess(ctx context.Context, req *DequeueProcessRequest) (*DequeueProcessResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if req.Host != "" && q.host != "" && q.host != req.Host {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		if err := s.index.PutProcess(ctx, q.processID, index.ProcessMetadata{Status: index.ProcessDequeued}); err != nil {
			return nil, internal(err.Error())
		}
		return &DequeueProcessResponse{ProcessId: q.processID.String(), CommandId: q.commandID.String()}, nil
	}
	return &DequeueProcessResponse{Empty: true}, nil
}

// updateProcess is how a remote worker that dequeued a process reports
// its outcome back: a terminal status, plus (for Succeeded/Failed) the
// id of the output or error node the worker already stored locally and
// replicated.
func (s *Server) updateProcess(ctx context.Context, req *UpdateProcessRequest) (*UpdateProcessResponse, error) {
	procID, err := object.Parse(req.ProcessId)
	if err != nil {
		return nil, invalidArgument(err.Error())
	}
	status, ok := parseProcessStatus(req.Status)
	if !ok {
		return nil, invalidArgument("unknown process status " + req.Status)
	}
	if req.OutputId != "" {
		outID, err := object.Parse(req.OutputId)
		if err != nil {
			return nil, invalidArgument(err.Error())
		}
		if err := s.tags.Put(ctx, tag.Entry{Tag: tag.Join("process", procID.String(), "output"), Object: outID, SetAt: s.now()}); err != nil {
			return nil, internal(err.Error())
		}
	}
	if req.ErrorId != "" {
		errID, err := object.Parse(req.ErrorId)
		if err != nil {
			return nil, invalidArgument(err.Error())
		}
		if err := s.tags.Put(ctx, tag.Entry{Tag: tag.Join("process", procID.String(), "error"), Object: errID, SetAt: s.now()}); err != nil {
			return nil, internal(err.Error())
		}
	}
	if err := s.index.PutProcess(ctx, procID, index.ProcessMetadata{Status: status}); err != nil {
		return nil, internal(err.Error())
	}
	return &UpdateProcessResponse{}, nil
}

func (s *Server) batchTags(ctx context.Context, req *BatchTagsRequest) (*BatchTagsResponse, error) {
	if len(req.Puts) > 0 {
		entries := make([]tag.Entry, 0, len(req.Puts))
		for _, p := range req.Puts {
			id, err := object.Parse(p.Object)
			if err != nil {
				return nil, invalidArgument(err.Error())
			}
			entries = append(entries, tag.Entry{Tag: tag.Tag(p.Tag), Object: id, Remote: p.Remote, TTLNanos: p.TTLNanos, SetAt: p.SetAt})
		}
		if err := s.index.PutTags(ctx, entries); err != nil {
			return nil, internal(err.Error())
		}
	}
	for _, d := range req.Deletes {
		if err := s.index.DeleteTags(ctx, tag.Tag(d)); err != nil {
			return nil, internal(err.Error())
		}
	}
	if req.List == "" {
		return &BatchTagsResponse{}, nil
	}
	entries, err := s.tags.List(ctx, tag.ParsePattern(req.List))
	if err != nil {
		return nil, internal(err.Error())
	}
	out := make([]TagEntryWire, 0, len(entries))
	for _, e := range entries {
		out = append(out, TagEntryWire{Tag: string(e.Tag), Object: e.Object.String(), Remote: e.Remote, TTLNanos: e.TTLNanos, SetAt: e.SetAt})
	}
	return &BatchTagsResponse{Entries: out}, nil
}

func parseKind(s string) (object.Kind, bool) {
	for k := object.KindBlobLeaf; k <= object.KindError; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

func parseProcessStatus(s string) (index.ProcessStatus, bool) {
	switch index.ProcessStatus(s) {
	case index.ProcessCreated, index.ProcessDequeued, index.ProcessStarted, index.ProcessSucceeded, index.ProcessFailed, index.ProcessCanceled:
		return index.ProcessStatus(s), true
	default:
		return "", false
	}
}
