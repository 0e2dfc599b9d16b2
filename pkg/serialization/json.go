package serialization

import (
	"encoding/json"
	"io"
)

// jsonCodec is the default. Entries stay inspectable with redis-cli.
var jsonCodec = Codec{
	Type:    JSONType,
	Encoder: func(w io.Writer) Encoder { return json.NewEncoder(w) },
	Decoder: func(r io.Reader) Decoder { return json.NewDecoder(r) },
}
