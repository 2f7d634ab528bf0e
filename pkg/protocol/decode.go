package protocol

import (
	"errors"
	"fmt"

	"meshcounter/pkg/protocol/codec"
)

var (
	// ErrMalformed wraps any failure to decode an inbound record.
	ErrMalformed = errors.New("protocol: malformed record")
	// ErrReservedType rejects mesh messages that reuse a control discriminator.
	ErrReservedType = errors.New("protocol: reserved record type")
)

type head struct {
	Type string `json:"type"`
}

// IsReserved reports whether t is one of the control discriminators.
func IsReserved(t string) bool {
	switch t {
	case TypePing, TypePong, TypeAnnouncement, TypeChunk, TypeAck:
		return true
	}
	return false
}

// Decode parses b into its concrete record. Unknown discriminators decode
// as MeshMessage.
func Decode(c codec.Codec, b []byte) (Record, error) {
	var h head
	if err := c.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var (
		rec Record
		err error
	)
	switch h.Type {
	case TypePing:
		var r Ping
		err = c.Unmarshal(b, &r)
		rec = r
	case TypePong:
		var r Pong
		err = c.Unmarshal(b, &r)
		rec = r
	case TypeAnnouncement:
		var r Announcement
		err = c.Unmarshal(b, &r)
		if err == nil && r.DeviceID == "" {
			err = errors.New("announcement without deviceId")
		}
		rec = r
	case TypeChunk:
		var r Chunk
		err = c.Unmarshal(b, &r)
		if err == nil {
			err = validateChunk(r)
		}
		rec = r
	case TypeAck:
		var r Ack
		err = c.Unmarshal(b, &r)
		if err == nil && r.MessageID == "" {
			err = errors.New("ack without messageId")
		}
		rec = r
	default:
		var r MeshMessage
		err = c.Unmarshal(b, &r)
		rec = r
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Type, err)
	}
	return rec, nil
}

func validateChunk(r Chunk) error {
	switch {
	case r.MessageID == "":
		return errors.New("chunk without messageId")
	case r.TotalChunks < 1:
		return fmt.Errorf("chunk total %d", r.TotalChunks)
	case r.ChunkIndex < 0 || r.ChunkIndex >= r.TotalChunks:
		return fmt.Errorf("chunk index %d out of [0,%d)", r.ChunkIndex, r.TotalChunks)
	}
	return nil
}

// Encode stamps the discriminator on r and marshals it.
func Encode(c codec.Codec, r Record) ([]byte, error) {
	var v any
	switch x := r.(type) {
	case Ping:
		x.Type = TypePing
		v = x
	case Pong:
		x.Type = TypePong
		v = x
	case Announcement:
		x.Type = TypeAnnouncement
		v = x
	case Chunk:
		x.Type = TypeChunk
		v = x
	case Ack:
		x.Type = TypeAck
		v = x
	case MeshMessage:
		if x.Type == "" {
			x.Type = TypeMesh
		}
		if IsReserved(x.Type) {
			return nil, fmt.Errorf("%w: %q", ErrReservedType, x.Type)
		}
		v = x
	default:
		return nil, fmt.Errorf("protocol: unsupported record %T", r)
	}
	return c.Marshal(v)
}
