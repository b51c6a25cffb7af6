// Package kv defines the transactional key/value store abstraction used
// throughout the server. Per SPEC_FULL.md's collaborator scoping: "when
// the spec mentions 'the database,' treat it as a transactional
// key/value store with ordered scans" — this package is that interface,
// not a specific database client.
package kv

import "context"

// Tx is a single transaction against a Store. Every method names the
// bucket (an independent keyspace) it acts on, so one transaction can
// read and write several buckets.
type Tx interface {
	Get(bucket string, key []byte) ([]byte, error)
	Put(bucket string, key, value []byte) error
	Delete(bucket string, key []byte) error

	// Scan calls fn for every key in [start, end) of bucket in
	// ascending order, stopping early if fn returns a non-nil error
	// (which Scan then returns unless it is ErrStopScan).
	Scan(bucket string, start, end []byte, fn func(key, value []byte) error) error
}

// ErrStopScan is returned by a Scan callback to stop iteration early
// without that being reported as a failure.
var ErrStopScan = stopScan{}

type stopScan struct{}

func (stopScan) Error() string { return "stop scan" }

// Store is a transactional key/value store with ordered scans. View
// opens a read-only transaction; Update opens a read-write one that
// commits atomically when fn returns nil and rolls back otherwise.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}
