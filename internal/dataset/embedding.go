package dataset

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"graphforge/internal/tensor"
)

// embeddingHeader is the number of bytes preceding the float32 payload of a
// pretrained embedding file.
const embeddingHeader = 16

// LoadEmbedding reads a pretrained [vocab, dim] table: a 16 byte header
// followed by vocab*dim little-endian float32 values.
func LoadEmbedding(path string, vocab, dim int) (*tensor.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load embedding: %w", err)
	}
	want := embeddingHeader + 4*vocab*dim
	if len(raw) != want {
		return nil, fmt.Errorf("load embedding %s: %d bytes, want %d for [%d, %d]", path, len(raw), want, vocab, dim)
	}
	t := tensor.Zeros(vocab, dim)
	payload := raw[embeddingHeader:]
	for i := range t.Float {
		bits := binary.LittleEndian.Uint32(payload[4*i:])
		t.Float[i] = float64(math.Float32frombits(bits))
	}
	return t, nil
}

// WriteEmbedding writes t in the format LoadEmbedding reads, with a zero
// header.
func WriteEmbedding(path string, t *tensor.Tensor) error {
	buf := make([]byte, embeddingHeader+4*len(t.Float))
	for i, v := range t.Float {
		binary.LittleEndian.PutUint32(buf[embeddingHeader+4*i:], math.Float32bits(float32(v)))
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write embedding: %w", err)
	}
	return nil
}
