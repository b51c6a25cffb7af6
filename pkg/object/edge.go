package object

// GraphRef names a node inside a graph object by index, used when an edge
// points at a node that only has meaning relative to an enclosing graph
// rather than at a standalone object.
type GraphRef struct {
	Graph *Id
	Node  int
}

// Edge is the sum type every reference between nodes is expressed as: it
// either names an object directly, or names a node inside a graph object.
// Exactly one of Object and Reference is set. This is the single sum type
// resolution recorded in SPEC_FULL.md §3 (Design Note #3): earlier drafts
// considered encoding this as a string-prefixed id, but a real enum is
// exhaustively matchable and costs nothing extra on the wire.
type Edge struct {
	Object    *Id
	Reference *GraphRef
}

// NewObjectEdge builds an Edge that refers directly to an object id.
func NewObjectEdge(id Id) Edge {
	return Edge{Object: &id}
}

// NewGraphEdge builds an Edge that refers to a node within a graph object.
func NewGraphEdge(graph Id, node int) Edge {
	return Edge{Reference: &GraphRef{Graph: &graph, Node: node}}
}

// IsObject reports whether the edge resolves directly to an object id.
func (e Edge) IsObject() bool { return e.Object != nil }

// Resolve returns the object id an edge resolves to, given a function that
// can look up the id of node i within a graph object. Direct object edges
// resolve without needing the resolver at all.
func (e Edge) Resolve(graphNode func(graph Id, node int) (Id, error)) (Id, error) {
	if e.Object != nil {
		return *e.Object, nil
	}
	return graphNode(*e.Reference.Graph, e.Reference.Node)
}

// Referent pairs an edge with the human-facing coordinates it was
// discovered through: the path or tag pattern that led to it during
// checkin, when known. Either may be empty for edges that were already
// fully resolved ids.
type Referent struct {
	Edge Edge
	Path string
	Tag  string
}
