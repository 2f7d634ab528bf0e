package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Codec defines a simple interface for marshaling wire records.
// Implementations should be deterministic and safe for cross-node exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ErrUnknownFormat is returned by ByName for an unsupported format.
var ErrUnknownFormat = errors.New("codec: unknown format")

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the built-in codecs:
// JSON, protobuf Struct and canonical CBOR.
func NewRegistry() (*Registry, error) {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Struct())
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	return r, nil
}

// Register adds a codec.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// ByName returns the registered codec for a configuration short name.
func (r *Registry) ByName(name string) (Codec, error) {
	ct, ok := contentTypes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
	if c := r.Get(ct); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q not registered", ErrUnknownFormat, name)
}

var contentTypes = map[string]string{
	"":         "application/json",
	"json":     "application/json",
	"cbor":     "application/cbor",
	"proto":    "application/x-protobuf",
	"protobuf": "application/x-protobuf",
}

// ByName resolves the short names used in configuration.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON(), nil
	case "cbor":
		return CBOR()
	case "proto", "protobuf":
		return Struct(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}
