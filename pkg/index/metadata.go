// Package index maintains the mutable metadata layered over the
// immutable object store: per-object completeness/size aggregates and
// per-process status, committed through raft so every replica agrees
// on the same view without a second source of truth.
package index

// ObjectMetadata is the aggregate state tracked for one object id.
// Solvable/Solved/the subtree aggregates only have meaning for
// directory/file/graph nodes that participate in a checkin; for a
// plain blob leaf only Size and Stored are populated.
type ObjectMetadata struct {
	Size   uint64 `json:"size"`
	Stored bool   `json:"stored"`

	// Solvable is true once every dependency edge reachable from this
	// object resolves to a stored object. Solved is true once every
	// dependency has in turn been marked Solvable, i.e. completeness
	// has propagated all the way down; see Index.Update.
	Solvable bool `json:"solvable"`
	Solved   bool `json:"solved"`

	SubtreeCount uint64 `json:"subtree_count"`
	SubtreeDepth uint64 `json:"subtree_depth"`
	SubtreeSize  uint64 `json:"subtree_size"`

	TouchedAt int64 `json:"touched_at"`
}

// ProcessStatus mirrors object.ProcessStatus without importing the
// object package's node-body vocabulary into the index's own wire
// format; the index only needs to track status transitions, not the
// full command/output edges.
type ProcessStatus string

const (
	ProcessCreated   ProcessStatus = "created"
	ProcessDequeued  ProcessStatus = "dequeued"
	ProcessStarted   ProcessStatus = "started"
	ProcessSucceeded ProcessStatus = "succeeded"
	ProcessFailed    ProcessStatus = "failed"
	ProcessCanceled  ProcessStatus = "canceled"
)

// ProcessMetadata is the aggregate state tracked for one process id.
type ProcessMetadata struct {
	Status    ProcessStatus `json:"status"`
	TouchedAt int64         `json:"touched_at"`
}
