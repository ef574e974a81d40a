package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/luciancaetano/webmesh"
)

// MaxMessageSize bounds a decoded message, including the decompressed form of binary messages.
const MaxMessageSize = 10 * 1024 * 1024 // 10MB

// JSON is the text serializer. Integral numbers decode as int64, all others as float64.
type JSON struct{}

var _ webmesh.Serializer = JSON{}

// Serialize encodes v as JSON.
func (JSON) Serialize(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", webmesh.ErrUnsupportedValue, err)
	}
	return data, nil
}

// Deserialize decodes a single JSON value. Trailing data is an error.
func (JSON) Deserialize(data []byte) (any, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message size %d exceeds maximum %d bytes", webmesh.ErrDecode, len(data), MaxMessageSize)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", webmesh.ErrDecode, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON value", webmesh.ErrDecode)
	}
	return Normalize(v)
}

// Kind reports text frames.
func (JSON) Kind() webmesh.MessageKind {
	return webmesh.MessageText
}

// Binary is the compact serializer: msgpack encoding followed by zlib compression.
// Compression is part of the wire contract and is never skipped.
type Binary struct {
	// Level is the zlib compression level; 0 selects zlib.DefaultCompression.
	Level int
}

var _ webmesh.Serializer = Binary{}

// Serialize encodes v with msgpack and compresses the result.
func (b Binary) Serialize(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	packed, err := msgpack.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", webmesh.ErrUnsupportedValue, err)
	}

	level := b.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(packed); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize decompresses data and decodes the msgpack value inside.
func (Binary) Deserialize(data []byte) (any, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", webmesh.ErrDecode, err)
	}
	defer zr.Close()

	packed, err := io.ReadAll(io.LimitReader(zr, MaxMessageSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", webmesh.ErrDecode, err)
	}
	if len(packed) > MaxMessageSize {
		return nil, fmt.Errorf("%w: decompressed size exceeds maximum %d bytes", webmesh.ErrDecode, MaxMessageSize)
	}

	r := bytes.NewReader(packed)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", webmesh.ErrDecode, err)
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after msgpack value", webmesh.ErrDecode, r.Len())
	}

	n, err := Normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", webmesh.ErrDecode, err)
	}
	return n, nil
}

// Kind reports binary frames.
func (Binary) Kind() webmesh.MessageKind {
	return webmesh.MessageBinary
}

// Hex carries the Binary encoding as a hex string, for channels that only transport text.
type Hex struct {
	Binary Binary
}

var _ webmesh.Serializer = Hex{}

// Serialize encodes v with Binary and hex-encodes the result.
func (h Hex) Serialize(v any) ([]byte, error) {
	raw, err := h.Binary.Serialize(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(out, raw)
	return out, nil
}

// Deserialize hex-decodes data and decodes it with Binary.
func (h Hex) Deserialize(data []byte) (any, error) {
	raw := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(raw, data); err != nil {
		return nil, fmt.Errorf("%w: %v", webmesh.ErrDecode, err)
	}
	return h.Binary.Deserialize(raw)
}

// Kind reports text frames.
func (Hex) Kind() webmesh.MessageKind {
	return webmesh.MessageText
}
