package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type structCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Struct returns a Protocol Buffers codec that carries records as a
// google.protobuf.Struct. Plain Go values are mapped through their JSON
// form, so numbers travel as doubles. Content-Type: application/x-protobuf
func Struct() Codec {
	return structCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (structCodec) ContentType() string { return "application/x-protobuf" }

func (c structCodec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return c.mo.Marshal(msg)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protobuf: value is not a record: %T", v)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %w", err)
	}
	return c.mo.Marshal(s)
}

func (c structCodec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return c.uo.Unmarshal(data, msg)
	}
	var s structpb.Struct
	if err := c.uo.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("protobuf: %w", err)
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("protobuf: %w", err)
	}
	return json.Unmarshal(raw, v)
}
