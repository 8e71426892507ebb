package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// fakeEmbeddingServer returns vector [len(text), index] for every input,
// in reverse order to exercise index mapping.
func fakeEmbeddingServer(t *testing.T, requests *[]embeddingRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected Bearer test-key, got %s", r.Header.Get("Authorization"))
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		*requests = append(*requests, req)

		type datum struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		}
		data := make([]datum, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, datum{Object: "embedding", Index: i, Embedding: []float64{float64(len(req.Input[i])), float64(i)}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "model": req.Model, "data": data})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIClientEmbedOne(t *testing.T) {
	var requests []embeddingRequest
	server := fakeEmbeddingServer(t, &requests)

	client := NewOpenAIClient("test-key", server.URL)
	embedding, err := client.EmbedOne(context.Background(), "test text")
	if err != nil {
		t.Fatalf("EmbedOne failed: %v", err)
	}

	expected := []float32{9, 0}
	if len(embedding) != len(expected) {
		t.Fatalf("Expected embedding length %d, got %d", len(expected), len(embedding))
	}
	for i, v := range expected {
		if embedding[i] != v {
			t.Errorf("Embedding[%d]: expected %f, got %f", i, v, embedding[i])
		}
	}
	if requests[0].Model != defaultModel {
		t.Errorf("Expected model %s, got %s", defaultModel, requests[0].Model)
	}
}

func TestOpenAIClientEmbed_OrderAndBatches(t *testing.T) {
	var requests []embeddingRequest
	server := fakeEmbeddingServer(t, &requests)

	client := NewOpenAIClient("test-key", server.URL)
	client.BatchSize = 2

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	embeddings, err := client.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(embeddings) != len(texts) {
		t.Fatalf("Expected %d embeddings, got %d", len(texts), len(embeddings))
	}
	for i, text := range texts {
		if embeddings[i][0] != float32(len(text)) {
			t.Errorf("embedding %d belongs to the wrong text: %v", i, embeddings[i])
		}
	}
	if len(requests) != 3 {
		t.Errorf("Expected 3 batched requests, got %d", len(requests))
	}
}

func TestOpenAIClientEmbed_Empty(t *testing.T) {
	client := NewOpenAIClient("test-key", "http://127.0.0.1:0")
	embeddings, err := client.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(embeddings) != 0 {
		t.Errorf("Expected no embeddings, got %d", len(embeddings))
	}
}

func TestOpenAIClientEmbed_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient("bad-key", server.URL)
	if _, err := client.EmbedOne(context.Background(), "test"); err == nil {
		t.Fatal("Expected error for 401 status, got nil")
	}
}

func TestOllamaClientEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" {
			t.Errorf("Expected nomic-embed-text, got %s", req.Model)
		}
		vecs := make([][]float32, len(req.Input))
		for i := range req.Input {
			vecs[i] = []float32{float32(i), 1}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"model": req.Model, "embeddings": vecs})
	}))
	defer server.Close()

	client, err := NewOllamaClient(server.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("NewOllamaClient failed: %v", err)
	}
	embeddings, err := client.Embed(context.Background(), []string{"city", "river"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(embeddings) != 2 || embeddings[1][0] != 1 {
		t.Errorf("unexpected embeddings %v", embeddings)
	}

	one, err := client.EmbedOne(context.Background(), "city")
	if err != nil {
		t.Fatalf("EmbedOne failed: %v", err)
	}
	if len(one) != 2 {
		t.Errorf("Expected 2 dimensions, got %d", len(one))
	}
}
