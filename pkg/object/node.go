package object

import (
	"fmt"

	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// Node is implemented by every node body kind. Encode produces the
// canonical bytes that Id hashes; Kind identifies which constructor
// Decode should dispatch to.
type Node interface {
	Kind() Kind
	Encode() []byte
}

// IdOf computes the content id of a node from its canonical encoding.
func IdOf(n Node) Id {
	return Of(n.Kind(), n.Encode())
}

// BlobLeaf is a chunk of raw content. Unlike every other node kind, its
// canonical encoding is exactly its content bytes — the id of a leaf is
// the content id of the chunk itself, which is what lets two files that
// share a chunk share storage without any extra bookkeeping.
type BlobLeaf struct {
	Data []byte
}

func (n *BlobLeaf) Kind() Kind { return KindBlobLeaf }

func (n *BlobLeaf) Encode() []byte { return n.Data }

func decodeBlobLeaf(r *reader) (*BlobLeaf, error) {
	data := r.b[r.off:]
	r.off = len(r.b)
	return &BlobLeaf{Data: data}, nil
}

// BlobChild is one entry of a branch node: the edge to a child blob node
// (leaf or branch) and that child's total content length, used to seek
// without fetching every leaf along the way.
type BlobChild struct {
	Child  Edge
	Length uint64
}

// BlobBranch is an interior node of a blob's chunk tree. Children are
// ordered left to right; concatenating their content reproduces the
// branch's bytes.
type BlobBranch struct {
	Children []BlobChild
}

func (n *BlobBranch) Kind() Kind { return KindBlobBranch }

func (n *BlobBranch) Encode() []byte {
	w := &writer{}
	w.u64(uint64(len(n.Children)))
	for _, c := range n.Children {
		w.edge(c.Child)
		w.u64(c.Length)
	}
	return w.bytesVal()
}

func decodeBlobBranch(r *reader) (*BlobBranch, error) {
	count, err := r.u64()
	if err != nil {
		return nil, err
	}
	children := make([]BlobChild, 0, count)
	for i := uint64(0); i < count; i++ {
		e, err := r.edge()
		if err != nil {
			return nil, err
		}
		length, err := r.u64()
		if err != nil {
			return nil, err
		}
		children = append(children, BlobChild{Child: e, Length: length})
	}
	return &BlobBranch{Children: children}, nil
}

// TotalLength sums the lengths of a branch's children.
func (n *BlobBranch) TotalLength() uint64 {
	var total uint64
	for _, c := range n.Children {
		total += c.Length
	}
	return total
}

// Directory is a name-sorted set of entries, each an edge to a file,
// symlink, or nested directory.
type Directory struct {
	Entries map[string]Edge
}

func (n *Directory) Kind() Kind { return KindDirectory }

func (n *Directory) Encode() []byte {
	w := &writer{}
	w.stringEdgeMap(n.Entries)
	return w.bytesVal()
}

func decodeDirectory(r *reader) (*Directory, error) {
	entries, err := r.stringEdgeMap()
	if err != nil {
		return nil, err
	}
	return &Directory{Entries: entries}, nil
}

// File is a regular file: its content edge (to a blob leaf or branch),
// whether it is executable, and the edges it depends on at runtime
// (discovered during checkin, e.g. a shebang interpreter or an embedded
// reference to another artifact).
type File struct {
	Contents     Edge
	Executable   bool
	Dependencies map[string]Edge
}

func (n *File) Kind() Kind { return KindFile }

func (n *File) Encode() []byte {
	w := &writer{}
	w.edge(n.Contents)
	w.bool(n.Executable)
	w.stringEdgeMap(n.Dependencies)
	return w.bytesVal()
}

func decodeFile(r *reader) (*File, error) {
	contents, err := r.edge()
	if err != nil {
		return nil, err
	}
	executable, err := r.boolean()
	if err != nil {
		return nil, err
	}
	deps, err := r.stringEdgeMap()
	if err != nil {
		return nil, err
	}
	return &File{Contents: contents, Executable: executable, Dependencies: deps}, nil
}

// Symlink is either a literal target string, or an edge to an artifact
// plus a subpath within it; exactly one form is populated.
type Symlink struct {
	Target   string
	Artifact *Edge
	Subpath  string
}

func (n *Symlink) Kind() Kind { return KindSymlink }

func (n *Symlink) Encode() []byte {
	w := &writer{}
	if n.Artifact != nil {
		w.u8(1)
		w.edge(*n.Artifact)
		w.str(n.Subpath)
	} else {
		w.u8(0)
		w.str(n.Target)
	}
	return w.bytesVal()
}

func decodeSymlink(r *reader) (*Symlink, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		target, err := r.str()
		if err != nil {
			return nil, err
		}
		return &Symlink{Target: target}, nil
	case 1:
		e, err := r.edge()
		if err != nil {
			return nil, err
		}
		subpath, err := r.str()
		if err != nil {
			return nil, err
		}
		return &Symlink{Artifact: &e, Subpath: subpath}, nil
	default:
		return nil, tgerror.New(tgerror.Corrupt, "object.decodeSymlink", fmt.Sprintf("unknown symlink tag %d", tag))
	}
}

// GraphNode is one member of a graph object: the same body shapes as the
// standalone node kinds, but edges within the graph may reference
// sibling nodes by index instead of by id, so the whole graph can be
// built acyclically before any individual node's id is known.
type GraphNode struct {
	Directory *Directory
	File      *File
	Symlink   *Symlink
}

// Graph bundles a set of mutually-referencing nodes so that cycles (e.g.
// a package whose file depends on its own directory) can be represented
// without forcing an infinite id computation.
type Graph struct {
	Nodes []GraphNode
}

func (n *Graph) Kind() Kind { return KindGraph }

func (n *Graph) Encode() []byte {
	w := &writer{}
	w.u64(uint64(len(n.Nodes)))
	for _, node := range n.Nodes {
		switch {
		case node.Directory != nil:
			w.u8(0)
			w.buf.Write(node.Directory.Encode())
		case node.File != nil:
			w.u8(1)
			w.buf.Write(node.File.Encode())
		case node.Symlink != nil:
			w.u8(2)
			w.buf.Write(node.Symlink.Encode())
		}
	}
	return w.bytesVal()
}

func decodeGraph(r *reader) (*Graph, error) {
	count, err := r.u64()
	if err != nil {
		return nil, err
	}
	nodes := make([]GraphNode, 0, count)
	for i := uint64(0); i < count; i++ {
		tag, err := r.u8()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 0:
			d, err := decodeDirectory(r)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, GraphNode{Directory: d})
		case 1:
			f, err := decodeFile(r)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, GraphNode{File: f})
		case 2:
			s, err := decodeSymlink(r)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, GraphNode{Symlink: s})
		default:
			return nil, tgerror.New(tgerror.Corrupt, "object.decodeGraph", fmt.Sprintf("unknown graph node tag %d", tag))
		}
	}
	return &Graph{Nodes: nodes}, nil
}

// Command is an executable recipe: the arguments, environment, the
// executable edge, the working-directory host, and a checksum to verify
// a process's output against when one is required.
type Command struct {
	Host       string
	Executable Edge
	Args       []Edge
	Env        map[string]Edge
	Cwd        string
	Checksum   string
}

func (n *Command) Kind() Kind { return KindCommand }

func (n *Command) Encode() []byte {
	w := &writer{}
	w.str(n.Host)
	w.edge(n.Executable)
	w.edges(n.Args)
	w.stringEdgeMap(n.Env)
	w.str(n.Cwd)
	w.str(n.Checksum)
	return w.bytesVal()
}

func decodeCommand(r *reader) (*Command, error) {
	host, err := r.str()
	if err != nil {
		return nil, err
	}
	executable, err := r.edge()
	if err != nil {
		return nil, err
	}
	args, err := r.edges()
	if err != nil {
		return nil, err
	}
	env, err := r.stringEdgeMap()
	if err != nil {
		return nil, err
	}
	cwd, err := r.str()
	if err != nil {
		return nil, err
	}
	checksum, err := r.str()
	if err != nil {
		return nil, err
	}
	return &Command{Host: host, Executable: executable, Args: args, Env: env, Cwd: cwd, Checksum: checksum}, nil
}

// ProcessStatus is the terminal or in-flight state of a process node.
type ProcessStatus uint8

const (
	ProcessStatusCreated ProcessStatus = iota
	ProcessStatusDequeued
	ProcessStatusStarted
	ProcessStatusSucceeded
	ProcessStatusFailed
	ProcessStatusCanceled
)

// Process is a record of running a command: the command edge, the
// resulting status, the output edge (valid once Succeeded), and the
// error edge (valid once Failed).
type Process struct {
	Command Edge
	Status  ProcessStatus
	Output  *Edge
	Error   *Edge
}

func (n *Process) Kind() Kind { return KindProcess }

func (n *Process) Encode() []byte {
	w := &writer{}
	w.edge(n.Command)
	w.u8(uint8(n.Status))
	if n.Output != nil {
		w.u8(1)
		w.edge(*n.Output)
	} else {
		w.u8(0)
	}
	if n.Error != nil {
		w.u8(1)
		w.edge(*n.Error)
	} else {
		w.u8(0)
	}
	return w.bytesVal()
}

func decodeProcess(r *reader) (*Process, error) {
	command, err := r.edge()
	if err != nil {
		return nil, err
	}
	status, err := r.u8()
	if err != nil {
		return nil, err
	}
	hasOutput, err := r.u8()
	if err != nil {
		return nil, err
	}
	var output *Edge
	if hasOutput == 1 {
		e, err := r.edge()
		if err != nil {
			return nil, err
		}
		output = &e
	}
	hasError, err := r.u8()
	if err != nil {
		return nil, err
	}
	var procErr *Edge
	if hasError == 1 {
		e, err := r.edge()
		if err != nil {
			return nil, err
		}
		procErr = &e
	}
	return &Process{Command: command, Status: ProcessStatus(status), Output: output, Error: procErr}, nil
}

// Error is a node form of a tgerror.Error, used so a failed process can
// record its failure content-addressably and replicate it like any other
// node.
type Error struct {
	Category string
	Message  string
	Source   *Edge
	Values   map[string]string
}

func (n *Error) Kind() Kind { return KindError }

func (n *Error) Encode() []byte {
	w := &writer{}
	w.str(n.Category)
	w.str(n.Message)
	if n.Source != nil {
		w.u8(1)
		w.edge(*n.Source)
	} else {
		w.u8(0)
	}
	w.stringMap(n.Values)
	return w.bytesVal()
}

func decodeError(r *reader) (*Error, error) {
	kind, err := r.str()
	if err != nil {
		return nil, err
	}
	message, err := r.str()
	if err != nil {
		return nil, err
	}
	hasSource, err := r.u8()
	if err != nil {
		return nil, err
	}
	var source *Edge
	if hasSource == 1 {
		e, err := r.edge()
		if err != nil {
			return nil, err
		}
		source = &e
	}
	values, err := r.stringMap()
	if err != nil {
		return nil, err
	}
	return &Error{Category: kind, Message: message, Source: source, Values: values}, nil
}

// Decode dispatches on kind to reconstruct a Node from canonical bytes.
func Decode(kind Kind, data []byte) (Node, error) {
	r := newReader(data)
	var (
		n   Node
		err error
	)
	switch kind {
	case KindBlobLeaf:
		n, err = decodeBlobLeaf(r)
	case KindBlobBranch:
		n, err = decodeBlobBranch(r)
	case KindDirectory:
		n, err = decodeDirectory(r)
	case KindFile:
		n, err = decodeFile(r)
	case KindSymlink:
		n, err = decodeSymlink(r)
	case KindGraph:
		n, err = decodeGraph(r)
	case KindCommand:
		n, err = decodeCommand(r)
	case KindProcess:
		n, err = decodeProcess(r)
	case KindError:
		n, err = decodeError(r)
	default:
		return nil, tgerror.New(tgerror.Invalid, "object.Decode", fmt.Sprintf("unknown node kind %d", kind))
	}
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, tgerror.New(tgerror.Corrupt, "object.Decode", "trailing bytes after node body")
	}
	return n, nil
}
