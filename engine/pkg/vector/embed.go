package vector

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder turns texts into fixed-dimension vectors. The pgvector index
// takes one of these; deployments with a real embedding endpoint plug
// theirs in here.
type Embedder interface {
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashEmbedder is a deterministic feature-hashing embedder: tokens are
// hashed into dim buckets and the vector is L2-normalized. It gives the
// pgvector index lexical-overlap semantics without any external service.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 512
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Dimensions() int { return e.dim }

func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, e.dim)
		for _, tok := range Tokenize(text) {
			h := fnv.New32a()
			h.Write([]byte(tok))
			v[h.Sum32()%uint32(e.dim)]++
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for j := range v {
				v[j] *= scale
			}
		}
		out[i] = v
	}
	return out, nil
}
