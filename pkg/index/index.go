package index

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/tangramdotdev/tangram/pkg/kv"
	"github.com/tangramdotdev/tangram/pkg/metrics"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/tag"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// maxTransactionBytes bounds how large a single raft log entry this
// index will submit is allowed to be. A batch command that exceeds it
// is halved and resubmitted as two smaller commands rather than
// rejected outright, since the caller (e.g. a tag sync pulling
// thousands of entries from a peer) has no natural smaller unit of its
// own to retry with.
const maxTransactionBytes = 512 * 1024

// Config configures a new Index.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Index is the committed, replicated metadata layer: object/process
// completeness and size aggregates, and the tag namespace, all applied
// through a single raft group so every replica converges on the same
// view. Mutating calls block until their command commits.
type Index struct {
	raft *raft.Raft
	fsm  *FSM
	now  func() int64
}

func parseIdField(s string) (object.Id, error) {
	if s == "" {
		return object.Id{}, nil
	}
	return object.Parse(s)
}

// Open creates (or reopens) the raft group backing an Index. store must
// already have Buckets (and tag.Buckets) created.
func Open(cfg Config, store kv.Store, tags *tag.Store, now func() int64) (*Index, error) {
	fsm := NewFSM(store, tags, now)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	// Tuned for LAN/single-datacenter deployment rather than raft's
	// WAN-conservative defaults, the same adjustment the teacher makes
	// for its own cluster.
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.Invalid, "index.Open", err, "failed to resolve bind address")
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "index.Open", err, "failed to create raft transport")
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "index.Open", err, "failed to create snapshot store")
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "index.Open", err, "failed to create raft log store")
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "index.Open", err, "failed to create raft stable store")
	}
	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "index.Open", err, "failed to create raft node")
	}

	idx := &Index{raft: r, fsm: fsm, now: now}
	return idx, nil
}

// Bootstrap initializes a brand new single-node cluster rooted at this
// Index. Callers joining an existing cluster should skip this and
// instead have the leader issue an AddVoter for them.
func (idx *Index) Bootstrap(nodeID, bindAddr string) error {
	future := idx.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(nodeID), Address: raft.ServerAddress(bindAddr)}},
	})
	return future.Error()
}

func (idx *Index) IsLeader() bool { return idx.raft.State() == raft.Leader }

func (idx *Index) Stats() (appliedIndex uint64, peers int) {
	stats := idx.raft.Stats()
	var applied uint64
	fmt.Sscanf(stats["applied_index"], "%d", &applied)
	cfgFuture := idx.raft.GetConfiguration()
	n := 1
	if err := cfgFuture.Error(); err == nil {
		n = len(cfgFuture.Configuration().Servers)
	}
	return applied, n
}

// apply marshals cmd and commits it through raft, retrying once on a
// leadership conflict (the caller was talking to a node that lost
// leadership mid-call) before giving up.
func (idx *Index) apply(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return tgerror.Wrap(tgerror.Invalid, "index.apply", err, "failed to encode command")
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return tgerror.Wrap(tgerror.Invalid, "index.apply", err, "failed to encode command envelope")
	}
	timer := metrics.NewTimer()
	future := idx.raft.Apply(cmd, 10*time.Second)
	err = future.Error()
	timer.ObserveDuration(metrics.IndexCommitDuration)
	if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
		metrics.IndexConflictRetriesTotal.Inc()
		future = idx.raft.Apply(cmd, 10*time.Second)
		err = future.Error()
	}
	if err != nil {
		return tgerror.Wrap(tgerror.Conflict, "index.apply", err, "failed to commit index command")
	}
	metrics.IndexTransactionsTotal.Inc()
	if resp := future.Response(); resp != nil {
		if rerr, ok := resp.(error); ok && rerr != nil {
			return tgerror.Wrap(tgerror.IO, "index.apply", rerr, "index command rejected")
		}
	}
	return nil
}

// Touch updates the last-touched timestamp of an object or process id
// without otherwise changing its recorded metadata; used by cache reads
// and process queries to keep Clean from reaping still-live entries.
func (idx *Index) Touch(ctx context.Context, id object.Id) error {
	return idx.apply(opTouch, touchPayload{Id: id.String(), IsProcess: id.Kind() == object.KindProcess, At: idx.now()})
}

// Put records or replaces an object's metadata.
func (idx *Index) Put(ctx context.Context, id object.Id, m ObjectMetadata) error {
	m.TouchedAt = idx.now()
	return idx.apply(opPut, putPayload{Id: id.String(), Metadata: m})
}

// PutProcess records or replaces a process's metadata.
func (idx *Index) PutProcess(ctx context.Context, id object.Id, m ProcessMetadata) error {
	m.TouchedAt = idx.now()
	return idx.apply(opPutProcess, putProcessPayload{Id: id.String(), Metadata: m})
}

// Update monotonically merges delta into id's stored metadata: bools
// only ever flip to true and the aggregate counters only ever grow.
// This is the primitive completeness propagation uses to walk a
// dependency graph's "solvable" flag up from its leaves.
func (idx *Index) Update(ctx context.Context, id object.Id, delta ObjectMetadata) error {
	return idx.apply(opUpdate, updatePayload{Id: id.String(), Delta: delta})
}

// PutTags commits a batch of tag entries. If the batch's encoded size
// would exceed the transaction limit it is split in half and each half
// committed separately, recursively, so a single oversized sync never
// fails outright.
func (idx *Index) PutTags(ctx context.Context, entries []tag.Entry) error {
	jsonEntries := make([]tagEntryJSON, len(entries))
	for i, e := range entries {
		jsonEntries[i] = tagEntryJSON{
			Tag: string(e.Tag), Object: e.Object.String(), Remote: e.Remote,
			TTLNanos: e.TTLNanos, SetAt: e.SetAt,
		}
	}
	return idx.putTagsBatch(jsonEntries)
}

func (idx *Index) putTagsBatch(entries []tagEntryJSON) error {
	if len(entries) == 0 {
		return nil
	}
	payload := putTagsPayload{Entries: entries}
	data, err := json.Marshal(payload)
	if err != nil {
		return tgerror.Wrap(tgerror.Invalid, "index.putTagsBatch", err, "failed to encode tag batch")
	}
	if len(data) > maxTransactionBytes && len(entries) > 1 {
		metrics.IndexTooLargeTotal.Inc()
		mid := len(entries) / 2
		if err := idx.putTagsBatch(entries[:mid]); err != nil {
			return err
		}
		return idx.putTagsBatch(entries[mid:])
	}
	return idx.apply(opPutTags, payload)
}

// DeleteTags removes every tag equal to or nested under prefix.
func (idx *Index) DeleteTags(ctx context.Context, prefix tag.Tag) error {
	return idx.apply(opDeleteTags, deleteTagsPayload{Tag: string(prefix)})
}

// Clean removes object/process metadata entries untouched since
// before the cutoff time (unix nanoseconds).
func (idx *Index) Clean(ctx context.Context, before int64) error {
	return idx.apply(opClean, cleanPayload{Before: before})
}

// Shutdown gracefully stops the raft node.
func (idx *Index) Shutdown() error {
	return idx.raft.Shutdown().Error()
}
