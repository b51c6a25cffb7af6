// Package api exposes the tangram server's external interface over
// gRPC: object get/put, process spawn/dequeue/update, pipe and pty
// byte streams, and batched tag operations. Grounded on the teacher's
// pkg/api/server.go for transport semantics (a single grpc.Server with
// mTLS credentials from pkg/security, one Go struct per RPC's
// request/response), but the service itself is hand-built rather than
// protoc-generated: no protobuf compiler is available in this
// environment, so every RPC is registered as a grpc.ServiceDesc method
// whose request/response values are plain Go structs carried by a JSON
// wire codec (codec.go) instead of protobuf-generated stubs. This
// keeps the framing, deadlines, and streaming semantics of the
// teacher's transport while staying inside SPEC_FULL.md §6's own scope
// note that the wire format itself is not part of the tested contract.
package api
