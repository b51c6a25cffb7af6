package blob

import (
	"io"

	"github.com/tangramdotdev/tangram/pkg/object"
)

// Fanout is the maximum number of children a branch node may have.
// Capping fanout bounds how much of a branch must be rewritten when a
// single leaf changes, and keeps any one node's encoding small and
// cheap to hash. Per SPEC_FULL.md §9 Open Question 1.
const Fanout = 1024

// Sink is where a chunker's output nodes are persisted as they're
// produced; Put receives a node's canonical encoding and must return its
// id (normally object.IdOf applied after the caller stores the bytes).
type Sink interface {
	Put(kind object.Kind, data []byte) (object.Id, error)
}

// Build reads r to completion, chunking it and writing leaf and branch
// nodes to sink, and returns the id of the root node (a leaf if the
// whole stream fit in one chunk, otherwise a branch). Bottom-up: every
// leaf is written before any branch that references it, and every
// branch's children are written before the branch itself, so a
// depth-first store walk never encounters a dangling edge.
func Build(r io.Reader, sink Sink) (object.Id, uint64, error) {
	c := NewChunker(r)
	type child struct {
		id     object.Id
		length uint64
	}
	var level []child
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return object.Id{}, 0, err
		}
		id, perr := putLeaf(sink, chunk)
		if perr != nil {
			return object.Id{}, 0, perr
		}
		level = append(level, child{id: id, length: uint64(len(chunk))})
	}
	if len(level) == 0 {
		id, err := putLeaf(sink, nil)
		if err != nil {
			return object.Id{}, 0, err
		}
		return id, 0, nil
	}
	var total uint64
	for _, c := range level {
		total += c.length
	}
	for len(level) > 1 {
		var next []child
		for i := 0; i < len(level); i += Fanout {
			end := i + Fanout
			if end > len(level) {
				end = len(level)
			}
			group := level[i:end]
			branch := &object.BlobBranch{Children: make([]object.BlobChild, 0, len(group))}
			for _, g := range group {
				branch.Children = append(branch.Children, object.BlobChild{
					Child:  object.NewObjectEdge(g.id),
					Length: g.length,
				})
			}
			data := branch.Encode()
			id, err := sink.Put(object.KindBlobBranch, data)
			if err != nil {
				return object.Id{}, 0, err
			}
			var groupLen uint64
			for _, g := range group {
				groupLen += g.length
			}
			next = append(next, child{id: id, length: groupLen})
		}
		level = next
	}
	return level[0].id, total, nil
}

// putLeaf writes the raw leaf bytes and returns the resulting id. A
// leaf's canonical encoding is its content, so this is the one node kind
// whose id the sink computes directly from bytes the caller already
// has in hand.
func putLeaf(sink Sink, data []byte) (object.Id, error) {
	return sink.Put(object.KindBlobLeaf, data)
}
