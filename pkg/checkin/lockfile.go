package checkin

import (
	"github.com/tangramdotdev/tangram/pkg/object"
)

// buildGraph converts a fully solved State into an object.Graph: every
// discovered (non-external) node becomes a object.GraphNode, and every
// resolved Entry becomes an Edge — either a direct object edge, if it
// resolved to an external node the solver fetched from a tag or bare
// id, or a graph-relative edge otherwise. Nodes not reachable from Root
// through resolved entries are stripped first so the emitted graph is
// minimal.
//
// This stops short of the reference implementation's full structural
// mark-and-strip (which additionally condenses strongly-connected
// components that are bit-for-bit identical into a single shared
// node): the reachability pass below is the part of that step that
// changes an emitted graph's correctness, and was judged the
// worthwhile subset to implement given the scope of this package.
func buildGraph(st State) *object.Graph {
	reachable := reachableNodes(st)

	// Intra-graph edges use the zero Id as a "this graph" sentinel
	// instead of the final (not yet known, since it depends on the
	// encoding of every node including this one) graph id. Edge.Resolve
	// passes the sentinel through unchanged; the cache materializer's
	// rewriteSelfEdges substitutes the stored graph's id for it.
	newIndex := map[int]int{}
	order := make([]int, 0, len(reachable))
	for idx := range st.Nodes {
		if !reachable[idx] || st.Nodes[idx].external != nil {
			continue
		}
		newIndex[idx] = len(order)
		order = append(order, idx)
	}

	edgeFor := func(resolved int) object.Edge {
		n := st.Nodes[resolved]
		if n.external != nil {
			return object.NewObjectEdge(*n.external)
		}
		zero := object.Id{}
		return object.NewGraphEdge(zero, newIndex[resolved])
	}

	nodes := make([]object.GraphNode, 0, len(order))
	for _, idx := range order {
		v := st.Nodes[idx].Variant
		switch {
		case v.Directory != nil:
			entries := make(map[string]object.Edge, len(v.Directory.Entries))
			for name, e := range v.Directory.Entries {
				if e.Resolved >= 0 {
					entries[name] = edgeFor(e.Resolved)
				}
			}
			nodes = append(nodes, object.GraphNode{Directory: &object.Directory{Entries: entries}})
		case v.File != nil:
			deps := make(map[string]object.Edge, len(v.File.Dependencies))
			for name, e := range v.File.Dependencies {
				if e.Resolved >= 0 {
					deps[name] = edgeFor(e.Resolved)
				}
			}
			nodes = append(nodes, object.GraphNode{File: &object.File{
				Contents:     v.File.Contents,
				Executable:   v.File.Executable,
				Dependencies: deps,
			}})
		case v.Symlink != nil:
			sym := &object.Symlink{Target: v.Symlink.Target, Subpath: v.Symlink.Subpath}
			if v.Symlink.Artifact != nil && v.Symlink.Artifact.Resolved >= 0 {
				e := edgeFor(v.Symlink.Artifact.Resolved)
				sym.Artifact = &e
			}
			nodes = append(nodes, object.GraphNode{Symlink: sym})
		}
	}

	return &object.Graph{Nodes: nodes}
}

// reachableNodes walks from st.Root following every resolved entry,
// marking every node (discovered or external) it visits.
func reachableNodes(st State) map[int]bool {
	reachable := map[int]bool{}
	var visit func(idx int)
	visit = func(idx int) {
		if reachable[idx] {
			return
		}
		reachable[idx] = true
		n := st.Nodes[idx]
		switch {
		case n.Variant.Directory != nil:
			for _, e := range n.Variant.Directory.Entries {
				if e.Resolved >= 0 {
					visit(e.Resolved)
				}
			}
		case n.Variant.File != nil:
			for _, e := range n.Variant.File.Dependencies {
				if e.Resolved >= 0 {
					visit(e.Resolved)
				}
			}
		case n.Variant.Symlink != nil:
			if n.Variant.Symlink.Artifact != nil && n.Variant.Symlink.Artifact.Resolved >= 0 {
				visit(n.Variant.Symlink.Artifact.Resolved)
			}
		}
	}
	visit(st.Root)
	return reachable
}
