package compress

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

var samples = []struct {
	name string
	text string
}{
	{"empty", ""},
	{"short", "hello"},
	{"unicode", "héllo wörld, 你好, emoji 🚀"},
	{"json", `{"field":"title","value":"<p>Edited</p>","version":3}`},
	{"repetitive", strings.Repeat("content block ", 10000)},
	{"control chars", "\x1f\x00\x01 leading unit separator"},
	{"gzip magic prefix", "\x1f\x8bplain"},
	{"escape prefix", "\xff\x1f\x8b"},
	{"lone escape", "\xff"},
}

func TestRoundTrip(t *testing.T) {
	handlers := map[string]*Handler{
		"streaming":      New(),
		"small chunks":   New(WithChunkSize(7)),
		"best":           New(WithLevel(9)),
		"without stream": New(WithoutStreaming()),
	}

	for hname, h := range handlers {
		for _, s := range samples {
			t.Run(hname+"/"+s.name, func(t *testing.T) {
				data, err := h.Compress(s.text)
				if err != nil {
					t.Fatalf("Compress() error = %v", err)
				}
				got, err := h.Decompress(data)
				if err != nil {
					t.Fatalf("Decompress() error = %v", err)
				}
				if got != s.text {
					t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(s.text))
				}
			})
		}
	}
}

func TestCompress_ShrinksRepetitiveText(t *testing.T) {
	text := strings.Repeat("abcdefgh", 4096)
	data, err := Compress(text)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if !IsCompressed(data) {
		t.Fatal("default handler should produce gzip output")
	}
	if len(data) >= len(text)/4 {
		t.Errorf("compressed size %d, want well under %d", len(data), len(text))
	}
}

func TestWithoutStreaming_IsPlainEncoding(t *testing.T) {
	h := New(WithoutStreaming())
	if h.Streaming() {
		t.Fatal("Streaming() = true, want false")
	}

	data, err := h.Compress("plain text")
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if !bytes.Equal(data, []byte("plain text")) {
		t.Errorf("Compress() = %q, want the plain bytes", data)
	}
}

func TestDecompress_AcceptsEitherEncoding(t *testing.T) {
	gz, _ := New().Compress("from streaming")
	plain, _ := New(WithoutStreaming()).Compress("from fallback")

	if got, _ := New(WithoutStreaming()).Decompress(gz); got != "from streaming" {
		t.Errorf("Decompress(gzip) = %q", got)
	}
	if got, _ := Decompress(plain); got != "from fallback" {
		t.Errorf("Decompress(plain) = %q", got)
	}
}

func TestWithoutStreaming_EscapesAmbiguousText(t *testing.T) {
	h := New(WithoutStreaming())
	for _, text := range []string{"\x1f\x8bplain", "\xffleading"} {
		data, err := h.Compress(text)
		if err != nil {
			t.Fatalf("Compress(%q) error = %v", text, err)
		}
		if IsCompressed(data) {
			t.Errorf("Compress(%q) = %q, reads as gzip", text, data)
		}
		got, err := h.Decompress(data)
		if err != nil || got != text {
			t.Errorf("Decompress() = %q, %v, want %q", got, err, text)
		}
	}
}

func TestDecompress_Corrupt(t *testing.T) {
	_, err := Decompress([]byte{0x1f, 0x8b, 0x00, 0x01, 0x02})
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decompress() error = %v, want ErrCorrupt", err)
	}
}
