package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/jcmvstard-prog/customs-kb/internal/config"
	"github.com/jcmvstard-prog/customs-kb/internal/domain"
)

// Service provides embedding generation functionality
type Service struct {
	cfg    *config.EmbeddingConfig
	client Client
}

// Client is the interface for embedding API clients
type Client interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// MaxBatchSize is the largest number of texts the provider accepts in
	// one request.
	MaxBatchSize() int
}

// NewService creates a new embedding service
func NewService(cfg *config.EmbeddingConfig) (*Service, error) {
	var client Client
	var err error

	switch cfg.Provider {
	case "hash":
		client = NewHashClient(cfg.Dimensions)
	case "openai":
		client, err = NewOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}

	return NewServiceWithClient(cfg, client), nil
}

// NewServiceWithClient wraps an existing client.
func NewServiceWithClient(cfg *config.EmbeddingConfig, client Client) *Service {
	return &Service{cfg: cfg, client: client}
}

// Embed generates an embedding for a single text
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts, one vector per input
// in input order. Requests are split so that no call exceeds the smaller of
// the configured batch size and the provider's limit.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if text == "" {
			return nil, domain.Invalid("text", "cannot embed empty text at index %d", i)
		}
	}

	batchSize := s.BatchSize()
	dims := s.client.Dimensions()
	results := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		embeddings, err := s.client.EmbedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch %d-%d: %w", i, end, err)
		}
		if len(embeddings) != end-i {
			return nil, fmt.Errorf("embedding batch %d-%d: expected %d vectors, got %d", i, end, end-i, len(embeddings))
		}
		for j, emb := range embeddings {
			if dims > 0 && len(emb) != dims {
				return nil, fmt.Errorf("embedding %d: dimension %d, want %d", i+j, len(emb), dims)
			}
		}
		results = append(results, embeddings...)
	}

	return results, nil
}

// BatchSize returns the effective request size.
func (s *Service) BatchSize() int {
	batchSize := 0
	if s.cfg != nil {
		batchSize = s.cfg.BatchSize
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	if max := s.client.MaxBatchSize(); max > 0 && batchSize > max {
		batchSize = max
	}
	return batchSize
}

// Dimensions returns the dimension of the embeddings
func (s *Service) Dimensions() int {
	return s.client.Dimensions()
}

// Similarity computes cosine similarity between two vectors
func Similarity(a, b []float32) float32 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("vector dimension mismatch: %d vs %d", len(a), len(b)))
	}

	var dotProduct float32
	var normA float32
	var normB float32

	for i := 0; i < len(a); i++ {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// Normalize scales v to unit length in place. A zero vector is left as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
