// Package replication pushes and pulls objects and tags between
// tangram nodes over gRPC, the same mTLS-secured, hand-built-ServiceDesc
// transport pkg/api uses (see pkg/api/doc.go for why no protoc-generated
// stubs are involved). Grounded on the teacher's pkg/worker.go dial
// pattern (grpc.NewClient plus a TLS config built from node
// certificates) for connection setup, generalized here from a
// worker-to-manager control connection into a peer-to-peer object sync
// link.
package replication
