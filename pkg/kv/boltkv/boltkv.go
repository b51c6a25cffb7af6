// Package boltkv implements kv.Store on top of go.etcd.io/bbolt, the
// embedded store the server keeps its content-addressed state in.
package boltkv

import (
	"context"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/tangramdotdev/tangram/pkg/kv"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// Store is a bbolt-backed kv.Store. Every bucket named in Buckets is
// created up front, mirroring the teacher's bucket-per-entity layout so
// new entity kinds only require adding a name to that list.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at
// <dataDir>/tangram.db, with one bucket per name in buckets.
func Open(dataDir string, buckets []string) (*Store, error) {
	path := filepath.Join(dataDir, "tangram.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "boltkv.Open", err, "failed to open database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, tgerror.Wrap(tgerror.IO, "boltkv.Open", err, "failed to initialize buckets")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) View(ctx context.Context, fn func(kv.Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

func (s *Store) Update(ctx context.Context, fn func(kv.Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

type tx struct {
	btx *bolt.Tx
}

func (t *tx) bucket(name string) (*bolt.Bucket, error) {
	b := t.btx.Bucket([]byte(name))
	if b == nil {
		return nil, tgerror.New(tgerror.NotFound, "boltkv.tx", "no such bucket: "+name)
	}
	return b, nil
}

func (t *tx) Get(bucket string, key []byte) ([]byte, error) {
	b, err := t.bucket(bucket)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, tgerror.New(tgerror.NotFound, "boltkv.tx.Get", "key not found")
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *tx) Put(bucket string, key, value []byte) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

func (t *tx) Delete(bucket string, key []byte) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

func (t *tx) Scan(bucket string, start, end []byte, fn func(key, value []byte) error) error {
	b, err := t.bucket(bucket)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if end != nil && string(k) >= string(end) {
			break
		}
		if err := fn(k, v); err != nil {
			if err == kv.ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}
