// Package transport carries price events from the detection side to the
// notification side over gRPC, with breaker, retry and buffer fallback.
package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is sent as the gRPC content-subtype ("application/grpc+json").
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the service use plain Go structs instead of generated
// protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
