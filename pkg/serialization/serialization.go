// Package serialization provides the encodings used to persist cached
// responses outside the process.
package serialization

import (
	"bytes"
	"fmt"
	"io"
)

const (
	// JSONType represents the serialization type for JSON format.
	JSONType = "json"

	// GobType represents the serialization type for Gob format.
	GobType = "gob"
)

// Decoder is the interface for deserialization.
type Decoder interface {
	Decode(v any) error
}

// Encoder is the interface for serialization.
type Encoder interface {
	Encode(v any) error
}

// Codec pairs an encoder factory with its decoder factory.
type Codec struct {
	Type    string
	Encoder func(io.Writer) Encoder
	Decoder func(io.Reader) Decoder
}

// ForType returns the codec registered under name. An empty name selects
// JSON.
func ForType(name string) (Codec, error) {
	switch name {
	case JSONType, "":
		return jsonCodec, nil
	case GobType:
		return gobCodec, nil
	default:
		return Codec{}, fmt.Errorf("unsupported serialization type: %s", name)
	}
}

// Marshal encodes v into a new byte slice.
func (c Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode %s value: %w", c.Type, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v.
func (c Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot decode empty %s data", c.Type)
	}
	if err := c.Decoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s value: %w", c.Type, err)
	}
	return nil
}
