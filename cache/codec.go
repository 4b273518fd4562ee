package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// compressionMagic prefixes every compressed value so reads can tell
// compressed payloads from plain JSON without per-key bookkeeping.
var compressionMagic = []byte{0x51, 0x46, 0x47, 0x5a}

// encodeValue marshals v to JSON and gzips the result when it exceeds
// threshold bytes. A threshold of zero or below disables compression.
func encodeValue(v interface{}, threshold int) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	if threshold <= 0 || len(data) <= threshold {
		return data, nil
	}

	var buf bytes.Buffer
	buf.Write(compressionMagic)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress cache value: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress cache value: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeValue reverses encodeValue into dest. The round trip is exact:
// what was stored is what comes back, compressed or not.
func decodeValue(data []byte, dest interface{}) error {
	plain, err := decompress(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, dest); err != nil {
		return fmt.Errorf("decode cache value: %w", err)
	}
	return nil
}

func decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, compressionMagic) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data[len(compressionMagic):]))
	if err != nil {
		return nil, fmt.Errorf("decompress cache value: %w", err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress cache value: %w", err)
	}
	return plain, nil
}
