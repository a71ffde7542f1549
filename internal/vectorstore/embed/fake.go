package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Fake is a deterministic embedding provider for tests and offline runs.
// Words are hashed into dimension buckets and the vector is L2-normalised,
// so identical texts embed identically and word overlap raises cosine
// similarity.
type Fake struct {
	dim int
}

var _ Provider = (*Fake)(nil)

// NewFake creates a fake provider with the given dimension.
func NewFake(dim int) *Fake {
	if dim <= 0 {
		dim = 64
	}
	return &Fake{dim: dim}
}

// Name returns the provider name.
func (p *Fake) Name() string { return "fake" }

// Dimension returns the embedding dimension.
func (p *Fake) Dimension() int { return p.dim }

// MaxBatchSize returns the maximum number of texts per batch.
func (p *Fake) MaxBatchSize() int { return 1000 }

// Embed generates a deterministic embedding for the text.
func (p *Fake) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[int(h.Sum32())%p.dim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (p *Fake) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}
