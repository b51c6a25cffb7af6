// Package checkin discovers a directory tree's artifacts and the
// dependency references they contain (Phase A), resolves every
// reference to a concrete node (Phase B, the solver), and emits a
// minimal lockfile graph for whatever part of the result is actually
// reachable (Phase C). Grounded on original_source/packages/server/src/checkin.
package checkin

import (
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/tag"
)

// Reference is an unresolved dependency edge discovered during the
// filesystem walk: exactly one of Object, Tag, or Path is set. Solving
// replaces every Reference with a concrete Edge into the graph being
// built.
type Reference struct {
	Object *object.Id
	Tag    *tag.Pattern
	Path   string // relative to the root of the walk (a State.paths key), if set
}

// Variant is the discovered, not-yet-fully-resolved body of one node in
// the checkin graph. It mirrors object.GraphNode's shapes but entries
// may point at an unresolved Reference instead of a graph index while
// solving is in progress.
type Variant struct {
	Directory *DirectoryVariant
	File      *FileVariant
	Symlink   *SymlinkVariant
}

type DirectoryVariant struct {
	// Entries maps a directory entry name to either an already-assigned
	// graph node index (Resolved, >= 0) or an unresolved Reference.
	Entries map[string]*Entry
}

type Entry struct {
	Resolved int // -1 until resolved
	Ref      Reference
}

type FileVariant struct {
	Contents     object.Edge
	Executable   bool
	Dependencies map[string]*Entry
}

type SymlinkVariant struct {
	Target   string
	Artifact *Entry
	Subpath  string
}

// Node is one member of the graph under construction. A Node either
// has a Variant discovered by the filesystem walk, or stands in for an
// external object (external != nil) already resolved to a concrete id
// by the solver — e.g. a tag or bare object-id dependency that points
// outside the tree being checked in.
type Node struct {
	Variant  Variant
	external *object.Id
}

// State is the in-progress checkin graph: a flat node list, which
// index is the root of the tree that was walked, and an index from
// discovered path to node, used to resolve path-form references.
type State struct {
	Nodes []Node
	Root  int
	paths map[string]int
}

func (s *State) addNode(v Variant, path string) int {
	s.Nodes = append(s.Nodes, Node{Variant: v})
	idx := len(s.Nodes) - 1
	if s.paths == nil {
		s.paths = map[string]int{}
	}
	s.paths[path] = idx
	return idx
}
