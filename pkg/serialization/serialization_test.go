package serialization

import (
	"net/http"
	"testing"
	"time"
)

type record struct {
	URL      string
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

func TestCodecs(t *testing.T) {
	in := record{
		URL:      "https://example.test/api/doc/1",
		Header:   http.Header{"Content-Type": {"application/json"}},
		Body:     []byte{0x00, 0x1f, 0x8b, 0xff},
		StoredAt: time.Unix(1700000000, 0).UTC(),
	}

	for _, name := range []string{JSONType, GobType} {
		t.Run(name, func(t *testing.T) {
			codec, err := ForType(name)
			if err != nil {
				t.Fatalf("ForType(%q) error = %v", name, err)
			}
			data, err := codec.Marshal(in)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var out record
			if err := codec.Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if out.URL != in.URL || string(out.Body) != string(in.Body) || !out.StoredAt.Equal(in.StoredAt) {
				t.Errorf("decoded %+v, want %+v", out, in)
			}
			if out.Header.Get("Content-Type") != "application/json" {
				t.Errorf("header lost: %v", out.Header)
			}
		})
	}
}

func TestGob_KeepsBinaryBodiesCompact(t *testing.T) {
	body := make([]byte, 4096)
	for i := range body {
		body[i] = byte(i * 31)
	}
	in := record{URL: "https://example.test/app.js", Body: body}

	sizes := map[string]int{}
	for _, name := range []string{JSONType, GobType} {
		codec, err := ForType(name)
		if err != nil {
			t.Fatal(err)
		}
		data, err := codec.Marshal(in)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		sizes[name] = len(data)
	}
	if sizes[GobType] >= sizes[JSONType] {
		t.Errorf("gob entry = %d bytes, json = %d, want gob smaller", sizes[GobType], sizes[JSONType])
	}
	if sizes[GobType] > len(body)+512 {
		t.Errorf("gob entry = %d bytes for a %d byte body", sizes[GobType], len(body))
	}
}

func TestForType_Unknown(t *testing.T) {
	if _, err := ForType("xml"); err == nil {
		t.Error("ForType(xml) should fail")
	}
}

func TestForType_DefaultsToJSON(t *testing.T) {
	codec, err := ForType("")
	if err != nil || codec.Type != JSONType {
		t.Errorf("ForType(\"\") = %q, %v, want json", codec.Type, err)
	}
}

func TestUnmarshal_Empty(t *testing.T) {
	codec, _ := ForType(JSONType)
	var out record
	if err := codec.Unmarshal(nil, &out); err == nil {
		t.Error("Unmarshal(nil) should fail")
	}
}
