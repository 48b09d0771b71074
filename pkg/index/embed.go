// Package index maintains the sqlite-vec retrieval index derived from a
// built corpus. The index is a cache: its sidecar binds it to exactly one
// corpus digest and embedding model, and a mismatch at open time fails
// closed rather than serving stale results.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Model() string
	Dim() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is a deterministic hash-projection embedder for offline
// and CI use: each lowercase token projects into dimensions derived from
// its SHA-256, and the result is L2-normalized. It carries no semantics
// beyond lexical overlap, which is exactly what reproducible fixtures
// need.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a hash-projection embedder of the given
// dimension (default 256 when dim <= 0).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Model() string { return "hash-projection-v1" }
func (e *HashEmbedder) Dim() int      { return e.dim }

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, tok := range tokenize(text) {
		sum := sha256.Sum256([]byte(tok))
		// Three projections per token spread collisions out.
		for i := 0; i < 3; i++ {
			slot := binary.BigEndian.Uint32(sum[i*8:]) % uint32(e.dim)
			sign := float32(1)
			if sum[i*8+4]&1 == 1 {
				sign = -1
			}
			vec[slot] += sign
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// serializeFloat32 encodes a vector in the little-endian layout
// sqlite-vec expects.
func serializeFloat32(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
