// Package cache materializes content-addressed objects onto disk: a
// flat, id-keyed directory of built artifacts that the sandbox runtime
// bind-mounts from and checkin's discovery phase can read dependency
// hints back out of. Grounded on SPEC_FULL.md's cache module and, for
// the coalescing/atomic-publish shape, the teacher's own build-once,
// publish-once patterns.
package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/tangramdotdev/tangram/pkg/blob"
	"github.com/tangramdotdev/tangram/pkg/messenger"
	"github.com/tangramdotdev/tangram/pkg/metrics"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/store"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// dependenciesXattr mirrors the name checkin's discovery phase reads
// back when re-checking in an already-materialized tree.
const dependenciesXattr = "user.tangram.dependencies"

// epoch is the mtime stamped on each cache entry's top-level path.
// Files inside a materialized directory are hard links to their own
// entries and so carry it too; subdirectories recreated by hardlinkTree
// and symlinks keep the time they were created at.
var epoch = time.Unix(0, 0)

const subjectMaterialized messenger.Subject = "cache.materialized"

// Materializer builds an id's on-disk representation in CacheDir,
// coalescing concurrent requests for the same id onto a single build
// via singleflight and publishing a notification once a new entry
// lands.
type Materializer struct {
	store *store.Store
	dir   *store.CacheDir
	msg   messenger.Messenger
	group singleflight.Group
}

func New(st *store.Store, dir *store.CacheDir, msg messenger.Messenger) *Materializer {
	return &Materializer{store: st, dir: dir, msg: msg}
}

// Materialize ensures id has a materialized entry in the cache
// directory and returns its path. Concurrent calls for the same id
// share one underlying build.
func (m *Materializer) Materialize(ctx context.Context, id object.Id) (string, error) {
	if m.dir.Exists(id) {
		metrics.CacheHitsTotal.Inc()
		return m.dir.Path(id), nil
	}
	v, err, _ := m.group.Do(id.String(), func() (any, error) {
		metrics.CacheMissesTotal.Inc()
		timer := metrics.NewTimer()
		defer timer.ObserveDuration(metrics.CacheMaterializeDuration)
		return m.materialize(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Materializer) materialize(ctx context.Context, id object.Id) (string, error) {
	if m.dir.Exists(id) {
		return m.dir.Path(id), nil
	}
	node, err := m.store.GetNode(id)
	if err != nil {
		return "", tgerror.Wrap(tgerror.IO, "cache.Materializer.materialize", err, "failed to load object")
	}
	tempDir, err := m.dir.TempDir(id.String())
	if err != nil {
		return "", err
	}
	// TempDir creates a directory; for a file or symlink entry the
	// temp path itself (not a name inside it) is what gets published,
	// so remove the directory TempDir made and build in its place.
	if node.Kind() != object.KindDirectory {
		if err := os.Remove(tempDir); err != nil {
			return "", tgerror.Wrap(tgerror.IO, "cache.Materializer.materialize", err, "failed to clear temp path")
		}
	}
	if err := m.write(ctx, id, node, tempDir); err != nil {
		_ = os.RemoveAll(tempDir)
		return "", err
	}
	if err := os.Chtimes(tempDir, epoch, epoch); err != nil && !os.IsNotExist(err) {
		_ = os.RemoveAll(tempDir)
		return "", tgerror.Wrap(tgerror.IO, "cache.Materializer.materialize", err, "failed to set mtime")
	}
	if err := m.dir.Publish(tempDir, id); err != nil {
		return "", err
	}
	m.notify(ctx, id)
	return m.dir.Path(id), nil
}

func (m *Materializer) notify(ctx context.Context, id object.Id) {
	if m.msg == nil {
		return
	}
	data, err := json.Marshal(struct {
		Id string `json:"id"`
	}{Id: id.String()})
	if err != nil {
		return
	}
	_ = m.msg.Publish(ctx, subjectMaterialized, data)
}

// write renders node's content at dest, which is expected not to
// exist yet (a fresh path inside a temp directory, or the temp
// directory itself for directories).
func (m *Materializer) write(ctx context.Context, id object.Id, node object.Node, dest string) error {
	switch n := node.(type) {
	case *object.Directory:
		return m.writeDirectory(ctx, n, dest)
	case *object.File:
		return m.writeFile(ctx, n, dest)
	case *object.Symlink:
		return m.writeSymlink(ctx, n, dest)
	default:
		return tgerror.New(tgerror.Unsupported, "cache.Materializer.write", "object kind is not materializable: "+node.Kind().String())
	}
}

func (m *Materializer) writeDirectory(ctx context.Context, d *object.Directory, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return tgerror.Wrap(tgerror.IO, "cache.Materializer.writeDirectory", err, "failed to create directory")
	}
	for name, edge := range d.Entries {
		childID, childNode, err := m.resolveEdge(ctx, edge)
		if err != nil {
			return err
		}
		childPath, err := m.Materialize(ctx, childID)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, name)
		if childNode.Kind() == object.KindDirectory {
			if err := hardlinkTree(childPath, target); err != nil {
				return tgerror.Wrap(tgerror.IO, "cache.Materializer.writeDirectory", err, "failed to clone "+name)
			}
			continue
		}
		if err := os.Link(childPath, target); err != nil {
			return tgerror.Wrap(tgerror.IO, "cache.Materializer.writeDirectory", err, "failed to link "+name)
		}
	}
	return nil
}

func (m *Materializer) writeFile(ctx context.Context, f *object.File, dest string) error {
	blobID, err := f.Contents.Resolve(m.graphNodeID(ctx))
	if err != nil {
		return err
	}
	length, err := m.blobLength(blobID)
	if err != nil {
		return err
	}
	data, err := blob.ReadAll(m.store, blobID, length)
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "cache.Materializer.writeFile", err, "failed to read blob contents")
	}
	mode := os.FileMode(0644)
	if f.Executable {
		mode = 0755
	}
	if err := os.WriteFile(dest, data, mode); err != nil {
		return tgerror.Wrap(tgerror.IO, "cache.Materializer.writeFile", err, "failed to write file")
	}
	if len(f.Dependencies) > 0 {
		if err := m.writeDependenciesXattr(dest, f.Dependencies); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) writeSymlink(ctx context.Context, s *object.Symlink, dest string) error {
	target := s.Target
	if s.Artifact != nil {
		artifactID, _, err := m.resolveEdge(ctx, *s.Artifact)
		if err != nil {
			return err
		}
		artifactPath, err := m.Materialize(ctx, artifactID)
		if err != nil {
			return err
		}
		target = artifactPath
		if s.Subpath != "" {
			target = filepath.Join(artifactPath, s.Subpath)
		}
	}
	if err := os.Symlink(target, dest); err != nil {
		return tgerror.Wrap(tgerror.IO, "cache.Materializer.writeSymlink", err, "failed to create symlink")
	}
	return nil
}

func (m *Materializer) writeDependenciesXattr(path string, deps map[string]object.Edge) error {
	// Same {"object": "<id>"} form checkin's xattrDependencies decodes.
	encoded := make(map[string]map[string]string, len(deps))
	for key, e := range deps {
		if e.IsObject() {
			encoded[key] = map[string]string{"object": e.Object.String()}
		}
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return tgerror.Wrap(tgerror.Invalid, "cache.Materializer.writeDependenciesXattr", err, "failed to encode dependencies")
	}
	if err := unix.Setxattr(path, dependenciesXattr, data, 0); err != nil {
		return tgerror.Wrap(tgerror.IO, "cache.Materializer.writeDependenciesXattr", err, "failed to set dependencies xattr")
	}
	return nil
}

func (m *Materializer) blobLength(id object.Id) (uint64, error) {
	node, err := m.store.GetNode(id)
	if err != nil {
		return 0, tgerror.Wrap(tgerror.IO, "cache.Materializer.blobLength", err, "failed to load blob node")
	}
	switch n := node.(type) {
	case *object.BlobLeaf:
		return uint64(len(n.Data)), nil
	case *object.BlobBranch:
		return n.TotalLength(), nil
	default:
		return 0, tgerror.New(tgerror.Invalid, "cache.Materializer.blobLength", "not a blob node")
	}
}

// resolveEdge resolves e to a concrete id and the node body it names.
// A direct object edge is fetched as-is; a graph-relative edge is
// resolved against the already-stored graph it names and given a
// standalone id derived from that node's own canonical encoding, so
// the same content reached via a direct object edge or a graph node
// always materializes to the same cache entry.
func (m *Materializer) resolveEdge(ctx context.Context, e object.Edge) (object.Id, object.Node, error) {
	if e.IsObject() {
		node, err := m.store.GetNode(*e.Object)
		if err != nil {
			return object.Id{}, nil, tgerror.Wrap(tgerror.IO, "cache.Materializer.resolveEdge", err, "failed to load object")
		}
		return *e.Object, node, nil
	}
	graphNode, err := m.store.GetNode(*e.Reference.Graph)
	if err != nil {
		return object.Id{}, nil, tgerror.Wrap(tgerror.IO, "cache.Materializer.resolveEdge", err, "failed to load graph")
	}
	g, ok := graphNode.(*object.Graph)
	if !ok {
		return object.Id{}, nil, tgerror.New(tgerror.Invalid, "cache.Materializer.resolveEdge", "edge names a non-graph object")
	}
	if e.Reference.Node < 0 || e.Reference.Node >= len(g.Nodes) {
		return object.Id{}, nil, tgerror.New(tgerror.Invalid, "cache.Materializer.resolveEdge", "graph node index out of range")
	}
	// The node's id is computed from its original encoding (zero
	// self-refs and all) so it matches the id it would have been
	// assigned at graph-construction time; rewriteSelfEdges only
	// affects the copy used for further traversal, since the zero
	// sentinel is meaningless once we've left the graph's own Encode().
	orig := g.Nodes[e.Reference.Node]
	var id object.Id
	switch {
	case orig.Directory != nil:
		id = object.IdOf(orig.Directory)
	case orig.File != nil:
		id = object.IdOf(orig.File)
	case orig.Symlink != nil:
		id = object.IdOf(orig.Symlink)
	default:
		return object.Id{}, nil, tgerror.New(tgerror.Invalid, "cache.Materializer.resolveEdge", "graph node has no body")
	}
	gn := rewriteSelfEdges(orig, *e.Reference.Graph)
	switch {
	case gn.Directory != nil:
		return id, gn.Directory, nil
	case gn.File != nil:
		return id, gn.File, nil
	case gn.Symlink != nil:
		return id, gn.Symlink, nil
	}
	return object.Id{}, nil, tgerror.New(tgerror.Invalid, "cache.Materializer.resolveEdge", "graph node has no body")
}

// rewriteSelfEdges rewrites every edge in gn that uses the zero Id as
// a "this graph" sentinel (the convention checkin's lockfile builder
// uses for a graph's intra-node edges, since the graph's own id isn't
// known until every node, including self-referencing ones, is already
// encoded) to point at graphID, the concrete id the graph was actually
// stored under. Edges that already name a concrete graph are left
// alone.
func rewriteSelfEdges(gn object.GraphNode, graphID object.Id) object.GraphNode {
	fix := func(e object.Edge) object.Edge {
		if e.Reference != nil && e.Reference.Graph != nil && e.Reference.Graph.IsZero() {
			g := graphID
			return object.NewGraphEdge(g, e.Reference.Node)
		}
		return e
	}
	switch {
	case gn.Directory != nil:
		entries := make(map[string]object.Edge, len(gn.Directory.Entries))
		for name, e := range gn.Directory.Entries {
			entries[name] = fix(e)
		}
		return object.GraphNode{Directory: &object.Directory{Entries: entries}}
	case gn.File != nil:
		deps := make(map[string]object.Edge, len(gn.File.Dependencies))
		for name, e := range gn.File.Dependencies {
			deps[name] = fix(e)
		}
		return object.GraphNode{File: &object.File{
			Contents:     fix(gn.File.Contents),
			Executable:   gn.File.Executable,
			Dependencies: deps,
		}}
	case gn.Symlink != nil:
		sym := &object.Symlink{Target: gn.Symlink.Target, Subpath: gn.Symlink.Subpath}
		if gn.Symlink.Artifact != nil {
			e := fix(*gn.Symlink.Artifact)
			sym.Artifact = &e
		}
		return object.GraphNode{Symlink: sym}
	}
	return gn
}

// graphNodeID adapts resolveEdge's graph lookup to the narrower
// signature object.Edge.Resolve expects.
func (m *Materializer) graphNodeID(ctx context.Context) func(graph object.Id, node int) (object.Id, error) {
	return func(graph object.Id, node int) (object.Id, error) {
		id, _, err := m.resolveEdge(ctx, object.NewGraphEdge(graph, node))
		return id, err
	}
}

// hardlinkTree recreates the directory tree rooted at src under dst by
// making real subdirectories and hard-linking regular files, so a
// cached subdirectory's file content is never copied, only linked.
func hardlinkTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := hardlinkTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		return os.Link(src, dst)
	}
}
