package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaClient implements EmbeddingClient using local Ollama API
type OllamaClient struct {
	model  string
	client *api.Client
}

// NewOllamaClient creates a new Ollama embedding client
// baseURL is typically "http://localhost:11434"
// model is the embedding model name, e.g. "nomic-embed-text"
func NewOllamaClient(baseURL, model string) (*OllamaClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	return &OllamaClient{
		model:  model,
		client: api.NewClient(u, &http.Client{Timeout: 60 * time.Second}),
	}, nil
}

// Embed generates embeddings for multiple texts in one request
func (c *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := c.client.Embed(ctx, &api.EmbedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// EmbedOne generates an embedding for a single text
func (c *OllamaClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}
