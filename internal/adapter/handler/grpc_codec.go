package handler

import (
	"encoding/json"
)

// JSONCodec carries gRPC messages as JSON. Server and clients must both
// force it since the messages are plain Go structs.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string {
	return "json"
}
