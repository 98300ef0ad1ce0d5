package embed

import (
	"context"
	"fmt"
	"hash/fnv"
)

// HashEmbedder is a deterministic bag-of-words embedder. Tokens are hashed
// into a fixed number of buckets, so vectors stay comparable across restarts
// without a trained vocabulary.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hashing embedder with dims buckets.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Model() string   { return fmt.Sprintf("hash-%d", h.dims) }
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed returns an L2-normalized term-frequency vector. Text without any
// usable token yields a zero vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dims)
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	tf := make(map[string]int)
	maxTF := 0
	for _, tok := range tokens {
		tf[tok]++
		if tf[tok] > maxTF {
			maxTF = tf[tok]
		}
	}

	for term, count := range tf {
		f := fnv.New64a()
		f.Write([]byte(term))
		bucket := f.Sum64() % uint64(h.dims)
		// Augmented TF to prevent bias towards longer texts
		vec[bucket] += 0.5 + 0.5*float64(count)/float64(maxTF)
	}

	normalize(vec)
	return vec, nil
}
