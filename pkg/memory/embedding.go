package memory

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"math"
	"regexp"
	"strings"
)

// Embedder converts text into a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultEmbeddingDim is the hash embedder's vector size when none is
// configured.
const DefaultEmbeddingDim = 256

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// HashEmbedder is a deterministic, dependency-free embedder. Each token
// is hashed into one of dim buckets and the bucket counts form the
// vector. It needs no model server and gives stable vectors across
// restarts, which is what the similarity search relies on.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash-bucket embedder of the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	return &HashEmbedder{dim: dim}
}

// Dim returns the vector size.
func (e *HashEmbedder) Dim() int { return e.dim }

// Embed tokenizes text, hashes each token with SHA-1 and accumulates
// counts modulo the dimension.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, token := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		sum := sha1.Sum([]byte(token))
		bucket := binary.BigEndian.Uint64(sum[:8]) % uint64(e.dim)
		vec[bucket]++
	}
	return vec, nil
}

// Cosine returns the cosine similarity of two vectors, or 0 when either
// has zero magnitude or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
