// Package embed connects the triage core to its external embedding
// collaborator and keeps the similarity index in sync with the source tree.
// The core never computes embeddings itself; it consumes vectors from the
// backend and owns only their indexing.
package embed

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/veridict/internal/config"
)

// GeminiEmbedder implements schemas.Embedder against the Gemini embedding
// API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	dim    int
	logger *zap.Logger
}

// NewGeminiEmbedder initializes the embedding client.
func NewGeminiEmbedder(ctx context.Context, cfg config.EmbeddingConfig, logger *zap.Logger) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}

	return &GeminiEmbedder{
		client: client,
		model:  cfg.Model,
		dim:    cfg.Dimension,
		logger: logger.Named("embedder"),
	}, nil
}

// Embed converts a code fragment into a normalized fixed-dimension vector.
func (e *GeminiEmbedder) Embed(ctx context.Context, fragment string) ([]float32, error) {
	dim := int32(e.dim)
	resp, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(fragment), &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("embedding backend returned no values")
	}

	values := resp.Embeddings[0].Values
	if len(values) != e.dim {
		return nil, fmt.Errorf("embedding dimension mismatch: want %d, got %d", e.dim, len(values))
	}
	return Normalize(values), nil
}

// Dimension reports the configured vector width.
func (e *GeminiEmbedder) Dimension() int { return e.dim }

// Normalize scales a vector to unit length. Zero vectors pass through
// unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
