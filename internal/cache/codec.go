package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// encode serializes a value and decides whether to compress it.
// []byte values are stored as-is ("bytes"); everything else is JSON.
// Compression happens only when the serialized size reaches minBytes AND
// gzip actually shrinks it; otherwise the raw form is stored.
func encode(value any, minBytes int) (payload []byte, meta Metadata, err error) {
	var raw []byte
	typ := "json"

	switch v := value.(type) {
	case []byte:
		raw = v
		typ = "bytes"
	default:
		raw, err = json.Marshal(value)
		if err != nil {
			return nil, Metadata{}, fmt.Errorf("failed to serialize value: %w", err)
		}
	}

	meta = Metadata{
		Type:         typ,
		CreatedAt:    time.Now().UTC(),
		SizeOriginal: len(raw),
		SizeStored:   len(raw),
	}

	if minBytes > 0 && len(raw) >= minBytes {
		compressed, cerr := gzipBytes(raw)
		if cerr == nil && len(compressed) < len(raw) {
			meta.Compressed = true
			meta.SizeStored = len(compressed)
			return compressed, meta, nil
		}
	}

	return raw, meta, nil
}

// decode reverses encode using the sidecar metadata.
func decode(payload []byte, meta Metadata) (any, error) {
	raw := payload
	if meta.Compressed {
		var err error
		raw, err = gunzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	if meta.Type == "bytes" {
		return raw, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("failed to deserialize payload: %w", err)
	}
	return value, nil
}

// decodeInto decompresses and unmarshals the payload into dest.
func decodeInto(payload []byte, meta Metadata, dest any) error {
	raw := payload
	if meta.Compressed {
		var err error
		raw, err = gunzipBytes(payload)
		if err != nil {
			return fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	if meta.Type == "bytes" {
		b, ok := dest.(*[]byte)
		if !ok {
			return fmt.Errorf("binary payload requires *[]byte destination")
		}
		*b = raw
		return nil
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to deserialize payload: %w", err)
	}
	return nil
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
