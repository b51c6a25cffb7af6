package blob

import (
	"io"

	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// Getter fetches a node's stored bytes by id: raw content for a leaf,
// the canonical encoding for a branch.
type Getter interface {
	Get(id object.Id) ([]byte, error)
}

// Reader is a seekable view over a blob's content, addressed by the id
// of its root node (a leaf or a branch). Seeking descends only the
// branches that contain the target offset, so a seek costs O(depth)
// node fetches rather than a linear scan — depth grows as
// log(Fanout) of the chunk count.
type Reader struct {
	get    Getter
	root   object.Id
	length uint64
	offset uint64
}

// NewReader opens a blob for reading. length is the blob's total size,
// normally recorded alongside the root id by whatever created it.
func NewReader(get Getter, root object.Id, length uint64) *Reader {
	return &Reader{get: get, root: root, length: length}
}

func (r *Reader) Size() uint64 { return r.length }

// Seek implements io.Seeker.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(r.offset)
	case io.SeekEnd:
		base = int64(r.length)
	default:
		return 0, tgerror.New(tgerror.Invalid, "blob.Reader.Seek", "invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, tgerror.New(tgerror.Invalid, "blob.Reader.Seek", "negative position")
	}
	r.offset = uint64(next)
	return next, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.offset >= r.length {
		return 0, io.EOF
	}
	want := uint64(len(p))
	if r.offset+want > r.length {
		want = r.length - r.offset
	}
	n, err := r.readAt(r.root, r.length, 0, r.offset, p[:want])
	r.offset += uint64(n)
	return n, err
}

// readAt reads into dst starting at global offset target, given that
// the node `id` covers the half-open range [base, base+size).
func (r *Reader) readAt(id object.Id, size uint64, base uint64, target uint64, dst []byte) (int, error) {
	data, err := r.get.Get(id)
	if err != nil {
		return 0, err
	}
	if id.Kind() == object.KindBlobLeaf {
		off := target - base
		n := copy(dst, data[off:])
		return n, nil
	}
	node, err := object.Decode(object.KindBlobBranch, data)
	if err != nil {
		return 0, err
	}
	branch := node.(*object.BlobBranch)
	childBase := base
	for _, c := range branch.Children {
		childEnd := childBase + c.Length
		if target < childEnd {
			if c.Child.Object == nil {
				return 0, tgerror.New(tgerror.Unsupported, "blob.Reader.readAt", "graph-relative blob children are not supported")
			}
			return r.readAt(*c.Child.Object, c.Length, childBase, target, dst)
		}
		childBase = childEnd
	}
	return 0, tgerror.New(tgerror.Corrupt, "blob.Reader.readAt", "offset past end of branch children")
}

// ReadAll drains the blob into memory, for callers who know it's small
// enough (e.g. file contents used as a command argument).
func ReadAll(get Getter, root object.Id, length uint64) ([]byte, error) {
	r := NewReader(get, root, length)
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Length reports the total content size addressed by root, decoding its
// node to tell a leaf (whose length is just its byte count) from a
// branch (whose length is the sum of its children's).
func Length(get Getter, root object.Id) (uint64, error) {
	data, err := get.Get(root)
	if err != nil {
		return 0, err
	}
	switch root.Kind() {
	case object.KindBlobLeaf:
		return uint64(len(data)), nil
	case object.KindBlobBranch:
		node, err := object.Decode(object.KindBlobBranch, data)
		if err != nil {
			return 0, err
		}
		return node.(*object.BlobBranch).TotalLength(), nil
	default:
		return 0, tgerror.New(tgerror.Invalid, "blob.Length", "id does not address a blob node")
	}
}

// Read fetches the entire content addressed by root in one call,
// combining Length and ReadAll for callers that don't already know the
// size (e.g. re-reading a previously stored command's output).
func Read(get Getter, root object.Id) ([]byte, error) {
	length, err := Length(get, root)
	if err != nil {
		return nil, err
	}
	return ReadAll(get, root, length)
}
