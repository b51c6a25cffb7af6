package replication

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec mirrors pkg/api's codec.go; replication dials peers
// independently of the client API surface, so it registers its own copy
// of the same "json" codec name rather than importing pkg/api just for
// this one type. Registering the same name again replaces the earlier
// codec; both definitions behave identically, so init order does not
// matter.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
