package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashClient is an offline embedder that projects word unigrams and bigrams
// into a fixed number of buckets (the hashing trick) and L2-normalises the
// result. Texts sharing vocabulary get a high cosine similarity, which is
// enough for local use and tests.
type HashClient struct {
	dims int
}

// NewHashClient creates a hashing embedder with the given dimension.
func NewHashClient(dims int) *HashClient {
	if dims <= 0 {
		dims = 384
	}
	return &HashClient{dims: dims}
}

// EmbedBatch embeds each text independently.
func (c *HashClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = c.embed(text)
	}
	return out, nil
}

func (c *HashClient) embed(text string) []float32 {
	vec := make([]float32, c.dims)
	words := hashTokens(text)
	for i, w := range words {
		c.add(vec, w, 1)
		if i > 0 {
			c.add(vec, words[i-1]+" "+w, 0.5)
		}
	}
	return Normalize(vec)
}

func (c *HashClient) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(c.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// Dimensions returns the configured dimension.
func (c *HashClient) Dimensions() int {
	return c.dims
}

// MaxBatchSize is generous since embedding is local.
func (c *HashClient) MaxBatchSize() int {
	return 1024
}

func hashTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
