package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with google.golang.org/grpc/encoding so the
// client and server agree to marshal every request/response as JSON
// instead of protobuf wire bytes, per doc.go's rationale. Callers
// dialing this service must pass grpc.CallContentSubtype(CodecName) (or
// set it as a default call option) so grpc selects this codec instead
// of its built-in protobuf one.
const CodecName = "json"

// jsonCodec implements encoding.Codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
