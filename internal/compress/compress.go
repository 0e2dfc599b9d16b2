// Package compress provides best-effort streaming compression of textual
// payloads. When streaming is unavailable the text is carried as its plain
// bytes, escaped only when they would read as gzip, so the round trip always
// holds.
package compress

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"
)

const DefaultChunkSize = 32 * 1024

// gzip member header.
var gzipMagic = []byte{0x1f, 0x8b}

// plainEscape prefixes plain payloads that start with gzipMagic or with
// plainEscape itself. 0xff never appears in UTF-8.
const plainEscape byte = 0xff

// ErrCorrupt is returned when data carries a gzip header but can't be decoded.
var ErrCorrupt = errors.New("compress: corrupt payload")

// Handler compresses and decompresses text.
type Handler struct {
	streaming bool
	level     int
	chunkSize int
}

// Option configures a Handler.
type Option func(*Handler)

// WithLevel 設置 gzip 壓縮等級
func WithLevel(level int) Option {
	return func(h *Handler) {
		if level >= gzip.HuffmanOnly && level <= gzip.BestCompression {
			h.level = level
		}
	}
}

// WithChunkSize sets the size of the chunks fed through the codec.
func WithChunkSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.chunkSize = n
		}
	}
}

// WithoutStreaming makes the handler behave as if no streaming codec were
// available.
func WithoutStreaming() Option {
	return func(h *Handler) {
		h.streaming = false
	}
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		streaming: true,
		level:     gzip.DefaultCompression,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Streaming reports whether Compress actually compresses.
func (h *Handler) Streaming() bool { return h.streaming }

// Compress encodes text chunk by chunk and returns one contiguous buffer.
func (h *Handler) Compress(text string) ([]byte, error) {
	if !h.streaming {
		return plain(text), nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, h.level)
	if err != nil {
		return plain(text), nil
	}

	for off := 0; off < len(text); off += h.chunkSize {
		end := min(off+h.chunkSize, len(text))
		if _, err := io.WriteString(zw, text[off:end]); err != nil {
			return nil, fmt.Errorf("compress: write: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress for either encoding.
func (h *Handler) Decompress(data []byte) (string, error) {
	if len(data) > 0 && data[0] == plainEscape {
		return string(data[1:]), nil
	}
	if !IsCompressed(data) {
		return string(data), nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer zr.Close()

	var sb strings.Builder
	chunk := make([]byte, h.chunkSize)
	if _, err := io.CopyBuffer(&sb, zr, chunk); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return sb.String(), nil
}

func plain(text string) []byte {
	if strings.HasPrefix(text, string(gzipMagic)) || (len(text) > 0 && text[0] == plainEscape) {
		out := make([]byte, 0, len(text)+1)
		out = append(out, plainEscape)
		return append(out, text...)
	}
	return []byte(text)
}

// IsCompressed reports whether data starts with a gzip header.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

var defaultHandler = New()

// Compress uses the package default handler.
func Compress(text string) ([]byte, error) {
	return defaultHandler.Compress(text)
}

// Decompress uses the package default handler.
func Decompress(data []byte) (string, error) {
	return defaultHandler.Decompress(data)
}
