package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const defaultHashingDimension = 256

// HashingProvider is a deterministic, dependency-free embedder: word
// tokens are hashed into a fixed number of buckets and the vector is
// L2-normalized, so cosine similarity behaves like token overlap. Used
// when no embedding API is configured; similar texts still land close
// together, which is all the de-dup path needs.
type HashingProvider struct {
	dimension int
}

// NewHashingProvider creates a hashing embedder.
func NewHashingProvider(dimension int) *HashingProvider {
	if dimension <= 0 {
		dimension = defaultHashingDimension
	}
	return &HashingProvider{dimension: dimension}
}

// Embed hashes each text into a normalized bucket-count vector.
func (p *HashingProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.embedOne(text)
	}
	return out, nil
}

func (p *HashingProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(p.dimension)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Dimension returns the vector dimension.
func (p *HashingProvider) Dimension() int { return p.dimension }

// tokenize splits text into lowercase word tokens, skipping single chars.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}
