package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// The canonical codec below is deliberately simple and total: every field
// is written in a fixed order, every variable-length value is
// length-prefixed, and maps are always written in sorted key order. Two
// calls to encode the same value always produce the same bytes, which is
// the only property the id scheme depends on.

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8) { w.buf.WriteByte(v) }

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) bytes(b []byte) {
	w.u64(uint64(len(b)))
	w.buf.Write(b)
}

func (w *writer) str(s string) { w.bytes([]byte(s)) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) edge(e Edge) {
	if e.Object != nil {
		w.u8(0)
		w.bytes(e.Object.Bytes())
		w.u8(uint8(e.Object.Kind()))
		return
	}
	w.u8(1)
	w.bytes(e.Reference.Graph.Bytes())
	w.u8(uint8(e.Reference.Graph.Kind()))
	w.u64(uint64(e.Reference.Node))
}

func (w *writer) edges(es []Edge) {
	w.u64(uint64(len(es)))
	for _, e := range es {
		w.edge(e)
	}
}

// stringEdgeMap writes a map[string]Edge in sorted key order so that the
// encoding never depends on Go's randomized map iteration.
func (w *writer) stringEdgeMap(m map[string]Edge) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u64(uint64(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.edge(m[k])
	}
}

func (w *writer) stringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u64(uint64(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.str(m[k])
	}
}

func (w *writer) bytesVal() []byte { return w.buf.Bytes() }

type reader struct {
	b   []byte
	off int
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) fail(location, msg string) error {
	return tgerror.New(tgerror.Corrupt, location, msg)
}

func (r *reader) u8() (uint8, error) {
	if r.off+1 > len(r.b) {
		return 0, r.fail("object.reader.u8", "unexpected end of data")
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.b) {
		return 0, r.fail("object.reader.u64", "unexpected end of data")
	}
	v := binary.LittleEndian.Uint64(r.b[r.off : r.off+8])
	r.off += 8
	return v, nil
}

func (r *reader) bytesN() ([]byte, error) {
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.b)-r.off) {
		return nil, r.fail("object.reader.bytes", "length prefix exceeds remaining data")
	}
	v := r.b[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytesN()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) boolean() (bool, error) {
	v, err := r.u8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (r *reader) edge() (Edge, error) {
	tag, err := r.u8()
	if err != nil {
		return Edge{}, err
	}
	digest, err := r.bytesN()
	if err != nil {
		return Edge{}, err
	}
	kindByte, err := r.u8()
	if err != nil {
		return Edge{}, err
	}
	id, err := New(Kind(kindByte), digest)
	if err != nil {
		return Edge{}, err
	}
	switch tag {
	case 0:
		return NewObjectEdge(id), nil
	case 1:
		node, err := r.u64()
		if err != nil {
			return Edge{}, err
		}
		return NewGraphEdge(id, int(node)), nil
	default:
		return Edge{}, r.fail("object.reader.edge", fmt.Sprintf("unknown edge tag %d", tag))
	}
}

func (r *reader) edges() ([]Edge, error) {
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	out := make([]Edge, 0, n)
	for i := uint64(0); i < n; i++ {
		e, err := r.edge()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *reader) stringEdgeMap() (map[string]Edge, error) {
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Edge, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.str()
		if err != nil {
			return nil, err
		}
		e, err := r.edge()
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

func (r *reader) stringMap() (map[string]string, error) {
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.str()
		if err != nil {
			return nil, err
		}
		v, err := r.str()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (r *reader) done() bool { return r.off == len(r.b) }
