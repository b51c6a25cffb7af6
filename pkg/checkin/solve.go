package checkin

import (
	"context"

	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/store"
	"github.com/tangramdotdev/tangram/pkg/tag"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// ItemVariant names which unresolved slot of a node an Item asks the
// solver to fill in.
type ItemVariant struct {
	DirectoryEntry string // entry name, if set
	FileDependency string // dependency key, if set and DirectoryEntry == ""
	SymlinkArtifact bool  // true if this item is the symlink's artifact edge
}

// Item is one unit of solving work: fill in one slot of node Node's Variant.
type Item struct {
	Node    int
	Variant ItemVariant
}

// Candidate is one tag match considered while solving a FileDependency
// item whose reference is a tag pattern rather than a bare object id.
type Candidate struct {
	Object object.Id
	Tag    tag.Tag
}

// Checkpoint is a full value snapshot of solving progress, pushed onto
// a stack before trying a tag candidate so that if a later item in the
// queue turns out unsolvable, solving can backtrack to it and try the
// next candidate instead. Plain value-copied slices/maps stand in for
// the persistent (im::) collections the reference implementation uses,
// per the Go-native simplification recorded for this package.
type Checkpoint struct {
	State      State
	Queue      []Item
	Visited    map[int]bool
	Tags       map[tag.Tag]object.Id
	Candidates []Candidate
	PendingTag tag.Tag
	PendingRef Reference
	PendingItem Item
}

func (c Checkpoint) clone() Checkpoint {
	nodes := make([]Node, len(c.State.Nodes))
	copy(nodes, c.State.Nodes)
	paths := make(map[string]int, len(c.State.paths))
	for k, v := range c.State.paths {
		paths[k] = v
	}
	queue := make([]Item, len(c.Queue))
	copy(queue, c.Queue)
	visited := make(map[int]bool, len(c.Visited))
	for k, v := range c.Visited {
		visited[k] = v
	}
	tags := make(map[tag.Tag]object.Id, len(c.Tags))
	for k, v := range c.Tags {
		tags[k] = v
	}
	candidates := make([]Candidate, len(c.Candidates))
	copy(candidates, c.Candidates)
	return Checkpoint{
		State:       State{Nodes: nodes, Root: c.State.Root, paths: paths},
		Queue:       queue,
		Visited:     visited,
		Tags:        tags,
		Candidates:  candidates,
		PendingTag:  c.PendingTag,
		PendingRef:  c.PendingRef,
		PendingItem: c.PendingItem,
	}
}

// Solver resolves every Reference a discovered State contains into a
// concrete Edge, fetching tag candidates from a tag.Store and object
// bodies from a store.Store as needed.
type Solver struct {
	tags  *tag.Store
	store *store.Store
}

func NewSolver(tags *tag.Store, st *store.Store) *Solver {
	return &Solver{tags: tags, store: st}
}

// errUnsolvable is returned internally by visit functions to signal that
// the current checkpoint's choice of candidate cannot be completed and
// the solver should backtrack.
var errUnsolvable = tgerror.New(tgerror.Conflict, "checkin.Solve", "no candidate satisfies a tag dependency")

// Solve resolves every unresolved Reference in st, returning the graph
// object the resolved nodes form. It enqueues every unresolved slot of
// every node reachable from st.Root, in node order, drains the queue
// first-in first-out, and backtracks via a
// checkpoint stack whenever a tag pattern's current candidate leads to
// a later unsolvable item.
func Solve(ctx context.Context, tags *tag.Store, st *store.Store, initial State) (*object.Graph, error) {
	s := NewSolver(tags, st)
	return s.Solve(ctx, initial)
}

func (s *Solver) Solve(ctx context.Context, initial State) (*object.Graph, error) {
	reachable := reachableNodes(initial)
	var queue []Item
	for idx := range initial.Nodes {
		if reachable[idx] {
			queue = enqueueItemsForNode(queue, initial, idx)
		}
	}
	cp := Checkpoint{
		State:   initial,
		Queue:   queue,
		Visited: map[int]bool{},
		Tags:    map[tag.Tag]object.Id{},
	}
	var checkpoints []Checkpoint

	for {
		if len(cp.Queue) == 0 {
			break
		}
		item := cp.Queue[0]
		cp.Queue = cp.Queue[1:]
		if cp.Visited[item.Node*1000003+itemVariantKey(item.Variant)] {
			continue
		}

		err := s.visitItem(ctx, &checkpoints, &cp, item)
		if err == errUnsolvable {
			if len(checkpoints) == 0 {
				return nil, tgerror.New(tgerror.Conflict, "checkin.Solve", "unable to solve dependency graph: no remaining candidates")
			}
			cp = checkpoints[len(checkpoints)-1]
			checkpoints = checkpoints[:len(checkpoints)-1]
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	return buildGraph(cp.State), nil
}

func itemVariantKey(v ItemVariant) int {
	// distinguishes which slot of a node this item targets, folded into
	// a single int alongside the node index for the visited set.
	h := 0
	for _, r := range v.DirectoryEntry {
		h = h*131 + int(r)
	}
	for _, r := range v.FileDependency {
		h = h*131 + int(r) + 1
	}
	if v.SymlinkArtifact {
		h = h*131 + 2
	}
	return h
}

// enqueueItemsForNode appends one Item per unresolved slot of node to
// queue: one per unresolved directory entry, one per unresolved file
// dependency, and one if the node is a symlink with an unresolved
// artifact edge.
func enqueueItemsForNode(queue []Item, st State, node int) []Item {
	n := st.Nodes[node]
	switch {
	case n.Variant.Directory != nil:
		for name, e := range n.Variant.Directory.Entries {
			if e.Resolved < 0 {
				queue = append(queue, Item{Node: node, Variant: ItemVariant{DirectoryEntry: name}})
			}
		}
	case n.Variant.File != nil:
		for name, e := range n.Variant.File.Dependencies {
			if e.Resolved < 0 {
				queue = append(queue, Item{Node: node, Variant: ItemVariant{FileDependency: name}})
			}
		}
	case n.Variant.Symlink != nil:
		if n.Variant.Symlink.Artifact != nil && n.Variant.Symlink.Artifact.Resolved < 0 {
			queue = append(queue, Item{Node: node, Variant: ItemVariant{SymlinkArtifact: true}})
		}
	}
	return queue
}

func entryFor(st *State, item Item) *Entry {
	n := &st.Nodes[item.Node]
	switch {
	case item.Variant.DirectoryEntry != "":
		return n.Variant.Directory.Entries[item.Variant.DirectoryEntry]
	case item.Variant.FileDependency != "":
		return n.Variant.File.Dependencies[item.Variant.FileDependency]
	case item.Variant.SymlinkArtifact:
		return n.Variant.Symlink.Artifact
	}
	return nil
}

func (s *Solver) visitItem(ctx context.Context, checkpoints *[]Checkpoint, cp *Checkpoint, item Item) error {
	key := item.Node*1000003 + itemVariantKey(item.Variant)
	cp.Visited[key] = true

	entry := entryFor(&cp.State, item)
	if entry == nil || entry.Resolved >= 0 {
		return nil
	}
	ref := entry.Ref

	switch {
	case ref.Path != "":
		return s.visitPath(cp, item, entry)
	case ref.Object != nil:
		return s.visitObject(ctx, cp, item, entry, *ref.Object)
	case ref.Tag != nil:
		err := s.visitTag(ctx, checkpoints, cp, item, entry, *ref.Tag)
		// Candidates is scoped to the single tag item being resolved;
		// clear it so the next, possibly different, tag reference starts
		// its own candidate list instead of inheriting this one's
		// leftovers.
		if err != errUnsolvable {
			cp.Candidates = nil
		}
		return err
	}
	return tgerror.New(tgerror.Invalid, "checkin.visitItem", "reference has neither path, object, nor tag")
}

// visitPath resolves a reference that names a sibling path discovered
// in the same walk: the target node must already exist in the graph
// under construction (discovery assigns path-referenced nodes their
// index up front), so this only ever needs a lookup.
func (s *Solver) visitPath(cp *Checkpoint, item Item, entry *Entry) error {
	idx, ok := cp.State.pathIndex(entry.Ref.Path)
	if !ok {
		return tgerror.New(tgerror.NotFound, "checkin.visitPath", "no discovered node at path "+entry.Ref.Path)
	}
	entry.Resolved = idx
	cp.Queue = enqueueItemsForNode(cp.Queue, cp.State, idx)
	return nil
}

// visitObject resolves a reference that already names a concrete
// object id by recording it as a resolved, out-of-graph reference. The
// object is not fetched; it is treated as an external artifact with no
// further nodes of its own.
func (s *Solver) visitObject(ctx context.Context, cp *Checkpoint, item Item, entry *Entry, id object.Id) error {
	idx := cp.State.addExternalNode(id)
	entry.Resolved = idx
	return nil
}

// visitTag resolves a reference that names a tag pattern: it first
// checks whether this solve has already pinned the tag (for pattern
// consistency across the whole graph), otherwise lists candidates and
// tries the highest-versioned one, pushing a checkpoint so a later
// failure can backtrack and try the next.
func (s *Solver) visitTag(ctx context.Context, checkpoints *[]Checkpoint, cp *Checkpoint, item Item, entry *Entry, pattern tag.Pattern) error {
	t := tag.Tag(pattern.String())
	if id, ok := cp.Tags[t]; ok {
		idx := cp.State.addExternalNode(id)
		entry.Resolved = idx
		return nil
	}

	if len(cp.Candidates) == 0 {
		entries, err := s.tags.List(ctx, pattern)
		if err != nil {
			return err
		}
		for _, e := range entries {
			cp.Candidates = append(cp.Candidates, Candidate{Object: e.Object, Tag: e.Tag})
		}
	}
	if len(cp.Candidates) == 0 {
		return errUnsolvable
	}

	// take the highest-versioned (last) candidate first, since List
	// sorts ascending.
	candidate := cp.Candidates[len(cp.Candidates)-1]
	cp.Candidates = cp.Candidates[:len(cp.Candidates)-1]

	next := cp.clone()
	*checkpoints = append(*checkpoints, next)

	cp.Tags[t] = candidate.Object
	idx := cp.State.addExternalNode(candidate.Object)
	entry.Resolved = idx
	return nil
}

// addExternalNode appends a placeholder node standing in for an
// already-content-addressed object outside the graph under
// construction (a tag target, or a bare object-id reference); such
// nodes never themselves get enqueued for solving, since their edges
// were already resolved when they were stored.
func (st *State) addExternalNode(id object.Id) int {
	for i, n := range st.Nodes {
		if n.external != nil && *n.external == id {
			return i
		}
	}
	idx := len(st.Nodes)
	st.Nodes = append(st.Nodes, Node{external: &id})
	return idx
}

func (st *State) pathIndex(path string) (int, bool) {
	idx, ok := st.paths[path]
	return idx, ok
}
