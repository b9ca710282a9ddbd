package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Config configures the OpenAI-compatible embedder.
type Config struct {
	APIKey string

	// BaseURL points at any OpenAI-compatible endpoint (Ollama, vLLM, ...).
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions is requested from the API and checked on the result.
	Dimensions int
}

// Embedder calls an OpenAI-compatible embeddings endpoint.
type Embedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// New creates the embedder.
func New(cfg Config) (*Embedder, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.New("openai embedder: dimensions must be positive")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &Embedder{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds several texts in one request.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts provided for embedding")
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("create embeddings: index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Dimensions returns the vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
