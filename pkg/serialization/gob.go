package serialization

import (
	"encoding/gob"
	"io"
)

// gobCodec stores bodies as raw bytes instead of base64, which keeps
// persisted responses close to their wire size. Entries are only readable
// from Go.
var gobCodec = Codec{
	Type:    GobType,
	Encoder: func(w io.Writer) Encoder { return gob.NewEncoder(w) },
	Decoder: func(r io.Reader) Decoder { return gob.NewDecoder(r) },
}
