// Package client is the Go library for talking to a tangram server's
// pkg/api surface: object get/put, process spawn/dequeue/update, and
// batched tag operations, plus attaching to a running process's pipe or
// pty. Grounded on the teacher's worker.go dial pattern (mTLS via
// client certificates issued by pkg/security) generalized from a
// worker-to-manager link into a general-purpose client any cmd/tg
// subcommand can use.
package client
