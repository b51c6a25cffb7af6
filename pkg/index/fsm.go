package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/tangramdotdev/tangram/pkg/kv"
	"github.com/tangramdotdev/tangram/pkg/tag"
)

const (
	bucketObjects   = "index_objects"
	bucketProcesses = "index_processes"
)

// Buckets lists the kv buckets this package owns, for passing to
// boltkv.Open alongside every other package's buckets.
var Buckets = append([]string{bucketObjects, bucketProcesses}, tag.Buckets...)

// Command is the envelope committed to the raft log, following the
// same tagged-op/raw-payload shape the rest of this system's ambient
// raft usage uses: one exported Op string per mutation kind, with the
// payload deferred to a second unmarshal once Op is known.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opTouch      = "touch"
	opPut        = "put"
	opPutProcess = "put_process"
	opUpdate     = "update"
	opPutTags    = "put_tags"
	opDeleteTags = "delete_tags"
	opClean      = "clean"
)

type touchPayload struct {
	Id        string `json:"id"`
	IsProcess bool   `json:"is_process"`
	At        int64  `json:"at"`
}

type putPayload struct {
	Id       string         `json:"id"`
	Metadata ObjectMetadata `json:"metadata"`
}

type putProcessPayload struct {
	Id       string          `json:"id"`
	Metadata ProcessMetadata `json:"metadata"`
}

type updatePayload struct {
	Id    string         `json:"id"`
	Delta ObjectMetadata `json:"delta"`
}

type putTagsPayload struct {
	Entries []tagEntryJSON `json:"entries"`
}

type tagEntryJSON struct {
	Tag      string `json:"tag"`
	Object   string `json:"object"`
	Remote   string `json:"remote"`
	TTLNanos int64  `json:"ttl_nanos"`
	SetAt    int64  `json:"set_at"`
}

type deleteTagsPayload struct {
	Tag string `json:"tag"`
}

type cleanPayload struct {
	Before int64 `json:"before"`
}

// FSM implements raft.FSM over the index's kv buckets. Every mutating
// method on Index (Touch, Put, PutTags, ...) builds a Command and calls
// raft.Apply; this is what actually executes it once the log entry
// commits.
type FSM struct {
	kv        kv.Store
	tags      *tag.Store
	nowUnixNs func() int64
}

func NewFSM(store kv.Store, tags *tag.Store, now func() int64) *FSM {
	return &FSM{kv: store, tags: tags, nowUnixNs: now}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal index command: %w", err)
	}
	switch cmd.Op {
	case opTouch:
		var p touchPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyTouch(p)
	case opPut:
		var p putPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyPut(p)
	case opPutProcess:
		var p putProcessPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyPutProcess(p)
	case opUpdate:
		var p updatePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyUpdate(p)
	case opPutTags:
		var p putTagsPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyPutTags(p)
	case opDeleteTags:
		var p deleteTagsPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.tags.Delete(context.Background(), tag.Tag(p.Tag))
	case opClean:
		var p cleanPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.applyClean(p)
	default:
		return fmt.Errorf("unknown index command: %s", cmd.Op)
	}
}

func (f *FSM) applyTouch(p touchPayload) error {
	bucket := bucketObjects
	if p.IsProcess {
		bucket = bucketProcesses
	}
	return f.kv.Update(context.Background(), func(tx kv.Tx) error {
		v, err := tx.Get(bucket, []byte(p.Id))
		if err != nil {
			return nil // nothing to touch yet; Put/PutProcess will set TouchedAt
		}
		if p.IsProcess {
			var m ProcessMetadata
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			m.TouchedAt = p.At
			data, _ := json.Marshal(m)
			return tx.Put(bucket, []byte(p.Id), data)
		}
		var m ObjectMetadata
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		m.TouchedAt = p.At
		data, _ := json.Marshal(m)
		return tx.Put(bucket, []byte(p.Id), data)
	})
}

func (f *FSM) applyPut(p putPayload) error {
	data, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	return f.kv.Update(context.Background(), func(tx kv.Tx) error {
		return tx.Put(bucketObjects, []byte(p.Id), data)
	})
}

func (f *FSM) applyPutProcess(p putProcessPayload) error {
	data, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	return f.kv.Update(context.Background(), func(tx kv.Tx) error {
		return tx.Put(bucketProcesses, []byte(p.Id), data)
	})
}

// applyUpdate merges delta into the stored metadata monotonically:
// Solvable/Solved only ever flip false->true, and the subtree
// aggregates only ever increase. This is what lets completeness
// propagate up a dependency graph built by concurrent, out-of-order
// touches without ever regressing a value another writer already
// advanced.
func (f *FSM) applyUpdate(p updatePayload) error {
	return f.kv.Update(context.Background(), func(tx kv.Tx) error {
		var m ObjectMetadata
		v, err := tx.Get(bucketObjects, []byte(p.Id))
		if err == nil {
			if jerr := json.Unmarshal(v, &m); jerr != nil {
				return jerr
			}
		}
		m.Solvable = m.Solvable || p.Delta.Solvable
		m.Solved = m.Solved || p.Delta.Solved
		m.Stored = m.Stored || p.Delta.Stored
		if p.Delta.Size > m.Size {
			m.Size = p.Delta.Size
		}
		if p.Delta.SubtreeCount > m.SubtreeCount {
			m.SubtreeCount = p.Delta.SubtreeCount
		}
		if p.Delta.SubtreeDepth > m.SubtreeDepth {
			m.SubtreeDepth = p.Delta.SubtreeDepth
		}
		if p.Delta.SubtreeSize > m.SubtreeSize {
			m.SubtreeSize = p.Delta.SubtreeSize
		}
		m.TouchedAt = f.nowUnixNs()
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Put(bucketObjects, []byte(p.Id), data)
	})
}

func (f *FSM) applyPutTags(p putTagsPayload) error {
	for _, e := range p.Entries {
		id, err := parseIdField(e.Object)
		if err != nil {
			return err
		}
		entry := tag.Entry{
			Tag:      tag.Tag(e.Tag),
			Object:   id,
			Remote:   e.Remote,
			TTLNanos: e.TTLNanos,
			SetAt:    e.SetAt,
		}
		if err := f.tags.Put(context.Background(), entry); err != nil {
			return err
		}
	}
	return nil
}

// applyClean removes object and process metadata entries that have not
// been touched since before the cutoff. It does not remove the
// underlying object bytes — that is the store's job once the index
// confirms nothing references them.
func (f *FSM) applyClean(p cleanPayload) error {
	return f.kv.Update(context.Background(), func(tx kv.Tx) error {
		for _, bucket := range []string{bucketObjects, bucketProcesses} {
			var stale [][]byte
			err := tx.Scan(bucket, nil, nil, func(key, value []byte) error {
				var m struct {
					TouchedAt int64 `json:"touched_at"`
				}
				if json.Unmarshal(value, &m) == nil && m.TouchedAt < p.Before {
					k := append([]byte(nil), key...)
					stale = append(stale, k)
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := tx.Delete(bucket, k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Snapshot and Restore dump/reload the raw bucket contents as JSON, the
// same approach the teacher's FSM snapshot takes for its own entity
// buckets.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	dump := snapshotDump{Objects: map[string]json.RawMessage{}, Processes: map[string]json.RawMessage{}}
	err := f.kv.View(context.Background(), func(tx kv.Tx) error {
		if err := tx.Scan(bucketObjects, nil, nil, func(key, value []byte) error {
			dump.Objects[string(key)] = append(json.RawMessage(nil), value...)
			return nil
		}); err != nil {
			return err
		}
		return tx.Scan(bucketProcesses, nil, nil, func(key, value []byte) error {
			dump.Processes[string(key)] = append(json.RawMessage(nil), value...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &snapshot{dump: dump}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var dump snapshotDump
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return fmt.Errorf("decode index snapshot: %w", err)
	}
	return f.kv.Update(context.Background(), func(tx kv.Tx) error {
		for id, data := range dump.Objects {
			if err := tx.Put(bucketObjects, []byte(id), data); err != nil {
				return err
			}
		}
		for id, data := range dump.Processes {
			if err := tx.Put(bucketProcesses, []byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

type snapshotDump struct {
	Objects   map[string]json.RawMessage `json:"objects"`
	Processes map[string]json.RawMessage `json:"processes"`
}

type snapshot struct {
	dump snapshotDump
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.dump); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}
