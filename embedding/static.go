package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// StaticProvider is a deterministic, offline provider: it derives a vector
// from a hash of the text. Identical texts always produce identical vectors
// and share some coordinates with texts that share words, which is enough
// for tests and local development without a real model.
type StaticProvider struct {
	dimensions int
}

// NewStaticProvider creates a provider emitting vectors of the given length.
func NewStaticProvider(dimensions int) *StaticProvider {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &StaticProvider{dimensions: dimensions}
}

func (p *StaticProvider) Dimensions() int { return p.dimensions }
func (p *StaticProvider) Name() string    { return "static" }

// Embed implements Provider.
func (p *StaticProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, p.dimensions)

	// Accumulate per-word hash contributions so overlapping vocabulary
	// yields overlapping coordinates.
	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == ' ' || text[i] == '\n' || text[i] == '\t' {
			if i > start {
				p.addWord(vec, text[start:i])
			}
			start = i + 1
		}
	}

	normalize(vec)
	return vec, nil
}

// EmbedBatch implements Provider.
func (p *StaticProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *StaticProvider) addWord(vec []float64, word string) {
	sum := sha256.Sum256([]byte(word))
	for i := 0; i+8 <= len(sum); i += 8 {
		idx := int(binary.BigEndian.Uint32(sum[i:i+4])) % p.dimensions
		if idx < 0 {
			idx = -idx
		}
		// Signed contribution in [-1, 1).
		raw := int32(binary.BigEndian.Uint32(sum[i+4 : i+8]))
		vec[idx] += float64(raw) / float64(math.MaxInt32)
	}
}

func normalize(vec []float64) {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
}
