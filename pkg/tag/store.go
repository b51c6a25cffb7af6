package tag

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/tangramdotdev/tangram/pkg/kv"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

const bucketTags = "tags"

var Buckets = []string{bucketTags}

// Store persists tag entries in kv.Store, keyed by the tag string so
// that an ordered scan over a bucket range visits tags in the same
// order the trie would.
type Store struct {
	kv  kv.Store
	now func() int64
}

func New(kv kv.Store, now func() int64) *Store {
	return &Store{kv: kv, now: now}
}

func encodeEntry(e Entry) []byte {
	var buf bytes.Buffer
	idBytes := e.Object.Bytes()
	buf.WriteByte(byte(e.Object.Kind()))
	buf.Write(idBytes)
	var lenRemote [4]byte
	binary.LittleEndian.PutUint32(lenRemote[:], uint32(len(e.Remote)))
	buf.Write(lenRemote[:])
	buf.WriteString(e.Remote)
	var ints [16]byte
	binary.LittleEndian.PutUint64(ints[0:8], uint64(e.TTLNanos))
	binary.LittleEndian.PutUint64(ints[8:16], uint64(e.SetAt))
	buf.Write(ints[:])
	return buf.Bytes()
}

func decodeEntry(t Tag, data []byte) (Entry, error) {
	if len(data) < 1+object.DigestSize()+4 {
		return Entry{}, tgerror.New(tgerror.Corrupt, "tag.decodeEntry", "truncated entry")
	}
	kind := object.Kind(data[0])
	off := 1
	digest := data[off : off+object.DigestSize()]
	off += object.DigestSize()
	id, err := object.New(kind, digest)
	if err != nil {
		return Entry{}, err
	}
	remoteLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+remoteLen+16 > len(data) {
		return Entry{}, tgerror.New(tgerror.Corrupt, "tag.decodeEntry", "truncated entry")
	}
	remote := string(data[off : off+remoteLen])
	off += remoteLen
	ttl := int64(binary.LittleEndian.Uint64(data[off : off+8]))
	setAt := int64(binary.LittleEndian.Uint64(data[off+8 : off+16]))
	return Entry{Tag: t, Object: id, Remote: remote, TTLNanos: ttl, SetAt: setAt}, nil
}

// Put stores or replaces the entry for tag t.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if err := Validate(e.Tag); err != nil {
		return err
	}
	return s.kv.Update(ctx, func(tx kv.Tx) error {
		return tx.Put(bucketTags, []byte(e.Tag), encodeEntry(e))
	})
}

// Get resolves a pattern to its single best match: the highest version
// satisfying a version component, preferring an exact literal tag when
// the pattern has no version or wildcard components.
func (s *Store) Get(ctx context.Context, pattern Pattern) (Entry, error) {
	if pattern.IsExact() {
		var entry Entry
		var found bool
		err := s.kv.View(ctx, func(tx kv.Tx) error {
			v, err := tx.Get(bucketTags, []byte(pattern.String()))
			if err != nil {
				if tgerror.Is(err, tgerror.NotFound) {
					return nil
				}
				return err
			}
			e, err := decodeEntry(Tag(pattern.String()), v)
			if err != nil {
				return err
			}
			entry, found = e, true
			return nil
		})
		if err != nil {
			return Entry{}, err
		}
		if !found || entry.expired(s.now()) {
			return Entry{}, tgerror.New(tgerror.NotFound, "tag.Store.Get", "no tag matches "+pattern.String())
		}
		return entry, nil
	}
	entries, err := s.List(ctx, pattern)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, tgerror.New(tgerror.NotFound, "tag.Store.Get", "no tag matches "+pattern.String())
	}
	return entries[len(entries)-1], nil
}

// List returns every non-expired entry matching pattern, sorted
// deterministically: entries compare by literal components
// lexicographically and by version components numerically ascending,
// so the highest-versioned match is always last.
func (s *Store) List(ctx context.Context, pattern Pattern) ([]Entry, error) {
	var out []Entry
	now := s.now()
	err := s.kv.View(ctx, func(tx kv.Tx) error {
		return tx.Scan(bucketTags, nil, nil, func(key, value []byte) error {
			t := Tag(key)
			if !pattern.Matches(t) {
				return nil
			}
			e, err := decodeEntry(t, value)
			if err != nil {
				return err
			}
			if e.expired(now) {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return compareTags(out[i].Tag, out[j].Tag) < 0 })
	return out, nil
}

// compareTags orders two tags component by component: numeric-looking
// components compare by value, everything else compares lexically.
func compareTags(a, b Tag) int {
	ac, bc := a.Components(), b.Components()
	n := len(ac)
	if len(bc) < n {
		n = len(bc)
	}
	for i := 0; i < n; i++ {
		av, bv := parseVersion(ac[i]), parseVersion(bc[i])
		if av.ok && bv.ok {
			if c := av.compare(bv); c != 0 {
				return c
			}
			continue
		}
		if ac[i] != bc[i] {
			return strings.Compare(ac[i], bc[i])
		}
	}
	return len(ac) - len(bc)
}

// Delete removes every tag equal to or nested under prefix, deepest
// entries first, so that a concurrent lister never observes a parent
// tag after its children have already vanished.
func (s *Store) Delete(ctx context.Context, prefix Tag) error {
	var toDelete []Tag
	err := s.kv.View(ctx, func(tx kv.Tx) error {
		return tx.Scan(bucketTags, nil, nil, func(key, value []byte) error {
			t := Tag(key)
			if t != prefix && !strings.HasPrefix(string(t), string(prefix)+"/") {
				return nil
			}
			toDelete = append(toDelete, t)
			return nil
		})
	})
	if err != nil {
		return err
	}
	sort.Slice(toDelete, func(i, j int) bool {
		return len(toDelete[i].Components()) > len(toDelete[j].Components())
	})
	return s.kv.Update(ctx, func(tx kv.Tx) error {
		for _, t := range toDelete {
			if err := tx.Delete(bucketTags, []byte(t)); err != nil {
				return err
			}
		}
		return nil
	})
}
