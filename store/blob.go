package store

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v3"
)

// CompressBlob lz4-compresses an end-of-job metadata blob. Nothing in
// the store keeps its output: run records do not carry a compressed
// snapshot of the "-info" file.
func CompressBlob(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressBlob reverses CompressBlob.
func DecompressBlob(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	return io.ReadAll(r)
}
