package grpcstream

import (
	"encoding/json"
	"fmt"
)

// jsonCodec marshals messages as JSON instead of protobuf. Registered via
// grpc.ForceServerCodec / grpc.ForceCodec so this transport needs no
// protoc-generated stubs: the wire messages are plain *transport.Frame
// values, identical in shape to what wsocket exchanges.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) String() string {
	return fmt.Sprintf("codec:%s", jsonCodec{}.Name())
}
