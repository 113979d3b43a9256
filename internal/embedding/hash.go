package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashModel is the model name reported by HashEmbedder.
const HashModel = "feature-hash-v1"

var tokenPattern = regexp.MustCompile(`\p{L}+|\p{N}+`)

// HashEmbedder is a local, deterministic embedder based on signed feature hashing of
// unigrams and bigrams. Texts sharing words get similar vectors; it needs no network
// and is meant for offline use and tests.
type HashEmbedder struct {
	dimension int
}

var _ Embedder = (*HashEmbedder)(nil)

// NewHashEmbedder creates a hash embedder producing vectors of the given dimension.
func NewHashEmbedder(dimension int) (*HashEmbedder, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dimension)
	}
	return &HashEmbedder{dimension: dimension}, nil
}

func (h *HashEmbedder) Dimension() int { return h.dimension }
func (h *HashEmbedder) Model() string  { return HashModel }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	prepared, err := prepare(texts)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(prepared))
	for i, text := range prepared {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

// vector returns the L2-normalised feature vector of text, or all zeros if it has no tokens.
func (h *HashEmbedder) vector(text string) []float32 {
	acc := make([]float64, h.dimension)
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	for i, tok := range tokens {
		h.add(acc, tok, 1.0)
		if i > 0 {
			h.add(acc, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	out := make([]float32, h.dimension)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

func (h *HashEmbedder) add(acc []float64, feature string, weight float64) {
	hasher := fnv.New64a()
	hasher.Write([]byte(feature))
	sum := hasher.Sum64()

	bucket := sum % uint64(h.dimension)
	if sum>>63 == 1 {
		weight = -weight
	}
	acc[bucket] += weight
}
