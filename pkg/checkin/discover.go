package checkin

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tangramdotdev/tangram/pkg/blob"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/tag"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// dependenciesXattr is the extended attribute a previous cache
// materialization may have written recording the references a file
// depends on, so re-checking in an already-materialized tree doesn't
// need to re-derive them from a shebang line alone.
const dependenciesXattr = "user.tangram.dependencies"

// Discover walks the directory tree rooted at root, building a State
// whose nodes mirror the tree's structure. Directory entries are
// resolved to their child node's index during the walk; file
// dependencies are left as unresolved References for whatever this
// phase can identify without contacting the tag store or object store:
// a relative shebang interpreter (as a path inside the tree), and any
// dependency references a prior materialization recorded in the
// dependencies xattr.
func Discover(root string, sink blob.Sink) (*State, error) {
	root = filepath.Clean(root)
	info, err := os.Lstat(root)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "checkin.Discover", err, "failed to stat root")
	}

	st := &State{}
	idx, err := discoverPath(st, sink, root, "", info)
	if err != nil {
		return nil, err
	}
	st.Root = idx
	return st, nil
}

func discoverPath(st *State, sink blob.Sink, abs, rel string, info os.FileInfo) (int, error) {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return discoverSymlink(st, abs, rel)
	case info.IsDir():
		return discoverDirectory(st, sink, abs, rel)
	default:
		return discoverFile(st, sink, abs, rel, info)
	}
}

func discoverDirectory(st *State, sink blob.Sink, abs, rel string) (int, error) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return 0, tgerror.Wrap(tgerror.IO, "checkin.discoverDirectory", err, "failed to read directory "+abs)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	dv := &DirectoryVariant{Entries: map[string]*Entry{}}
	idx := st.addNode(Variant{Directory: dv}, rel)
	for _, de := range entries {
		childAbs := filepath.Join(abs, de.Name())
		childRel := de.Name()
		if rel != "" {
			childRel = rel + "/" + de.Name()
		}
		info, err := os.Lstat(childAbs)
		if err != nil {
			return 0, tgerror.Wrap(tgerror.IO, "checkin.discoverDirectory", err, "failed to stat "+childAbs)
		}
		childIdx, err := discoverPath(st, sink, childAbs, childRel, info)
		if err != nil {
			return 0, err
		}
		dv.Entries[de.Name()] = &Entry{Resolved: childIdx}
	}
	return idx, nil
}

func discoverFile(st *State, sink blob.Sink, abs, rel string, info os.FileInfo) (int, error) {
	f, err := os.Open(abs)
	if err != nil {
		return 0, tgerror.Wrap(tgerror.IO, "checkin.discoverFile", err, "failed to open "+abs)
	}
	defer f.Close()

	rootID, _, err := blob.Build(f, sink)
	if err != nil {
		return 0, tgerror.Wrap(tgerror.IO, "checkin.discoverFile", err, "failed to chunk "+abs)
	}

	fv := &FileVariant{
		Contents:     object.NewObjectEdge(rootID),
		Executable:   info.Mode()&0o111 != 0,
		Dependencies: map[string]*Entry{},
	}

	// A shebang naming a relative interpreter path is a dependency on a
	// sibling file within this same tree; an absolute interpreter (e.g.
	// "/bin/sh") names something outside the tree being checked in and
	// is left as a literal part of the file's contents instead.
	if interp, ok := shebangInterpreter(abs); ok && !filepath.IsAbs(interp) {
		depRel := filepath.Join(rel, "..", interp)
		fv.Dependencies[interp] = &Entry{Resolved: -1, Ref: Reference{Path: depRel}}
	}
	for key, ref := range xattrDependencies(abs) {
		fv.Dependencies[key] = &Entry{Resolved: -1, Ref: ref}
	}

	return st.addNode(Variant{File: fv}, rel), nil
}

func discoverSymlink(st *State, abs, rel string) (int, error) {
	target, err := os.Readlink(abs)
	if err != nil {
		return 0, tgerror.Wrap(tgerror.IO, "checkin.discoverSymlink", err, "failed to read link "+abs)
	}
	sv := &SymlinkVariant{Target: target}
	return st.addNode(Variant{Symlink: sv}, rel), nil
}

// shebangInterpreter returns the interpreter path named by a file's
// first line, if it starts with "#!".
func shebangInterpreter(abs string) (string, bool) {
	f, err := os.Open(abs)
	if err != nil {
		return "", false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 4096)
	if !scanner.Scan() {
		return "", false
	}
	line := scanner.Text()
	if !strings.HasPrefix(line, "#!") {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// xattrDependencies reads the dependencies xattr, if present, and
// decodes it as a map of dependency key to a minimal JSON reference
// form: {"path": "..."} , {"tag": "..."}, or {"object": "..."}.
func xattrDependencies(abs string) map[string]Reference {
	size, err := unix.Lgetxattr(abs, dependenciesXattr, nil)
	if err != nil || size <= 0 {
		return nil
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(abs, dependenciesXattr, buf)
	if err != nil {
		return nil
	}
	var raw map[string]struct {
		Path   string `json:"path"`
		Tag    string `json:"tag"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(buf[:n], &raw); err != nil {
		return nil
	}
	out := map[string]Reference{}
	for key, r := range raw {
		switch {
		case r.Path != "":
			out[key] = Reference{Path: r.Path}
		case r.Tag != "":
			p := tag.ParsePattern(r.Tag)
			out[key] = Reference{Tag: &p}
		case r.Object != "":
			id, err := object.Parse(r.Object)
			if err == nil {
				out[key] = Reference{Object: &id}
			}
		}
	}
	return out
}
