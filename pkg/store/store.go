// Package store persists object nodes: the canonical bytes behind every
// content id, keyed by that id in the underlying key/value store. It
// also owns the on-disk cache directory that materialized artifacts
// live in (see cache.go).
package store

import (
	"context"

	"github.com/tangramdotdev/tangram/pkg/kv"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

const bucketObjects = "objects"

// Buckets lists the kv buckets this package needs; callers opening the
// underlying store pass this (plus any other package's buckets) to
// boltkv.Open.
var Buckets = []string{bucketObjects}

// Store is the content-addressed node store: Put computes an id from a
// node kind's canonical bytes (or, for blob leaves, from the raw bytes
// directly) and persists it; Get fetches previously-stored bytes by id.
// Writes are idempotent — storing the same bytes under the same kind
// twice is a no-op the second time.
type Store struct {
	kv kv.Store
}

func New(kv kv.Store) *Store {
	return &Store{kv: kv}
}

// Put stores data under the id it hashes to for the given kind and
// returns that id. For KindBlobLeaf, data is the raw chunk content; for
// every other kind, data must already be that kind's canonical
// encoding (normally produced by calling Encode() on the node value).
func (s *Store) Put(kind object.Kind, data []byte) (object.Id, error) {
	id := object.Of(kind, data)
	err := s.kv.Update(context.Background(), func(tx kv.Tx) error {
		return tx.Put(bucketObjects, objectKey(id), data)
	})
	if err != nil {
		return object.Id{}, tgerror.Wrap(tgerror.IO, "store.Store.Put", err, "failed to write object")
	}
	return id, nil
}

// PutNode is a convenience wrapper that encodes n before storing it.
func (s *Store) PutNode(n object.Node) (object.Id, error) {
	return s.Put(n.Kind(), n.Encode())
}

// Get fetches the stored bytes for id, or a NotFound error if absent.
func (s *Store) Get(id object.Id) ([]byte, error) {
	var data []byte
	err := s.kv.View(context.Background(), func(tx kv.Tx) error {
		v, err := tx.Get(bucketObjects, objectKey(id))
		if err != nil {
			return err
		}
		data = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GetNode fetches and decodes the node stored at id.
func (s *Store) GetNode(id object.Id) (object.Node, error) {
	data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return object.Decode(id.Kind(), data)
}

// Has reports whether id is present, without fetching its bytes.
func (s *Store) Has(id object.Id) (bool, error) {
	_, err := s.Get(id)
	if err != nil {
		if tgerror.Is(err, tgerror.NotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes id's stored bytes. Callers are responsible for only
// deleting ids the index has already confirmed are unreferenced.
func (s *Store) Delete(id object.Id) error {
	return s.kv.Update(context.Background(), func(tx kv.Tx) error {
		return tx.Delete(bucketObjects, objectKey(id))
	})
}

func objectKey(id object.Id) []byte {
	b := id.Bytes()
	return append([]byte{byte(id.Kind())}, b...)
}
