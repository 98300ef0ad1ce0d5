// Package embed turns text into fixed-dimension vectors.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lazypower/resonance/internal/retry"
)

// ErrEmbeddingFailure marks any failure to produce a vector. Recall treats
// it as a missing signal, never as a failed request.
var ErrEmbeddingFailure = errors.New("embedding failure")

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// OllamaEmbedder uses Ollama's embedding API.
type OllamaEmbedder struct {
	url    string
	model  string
	dims   int
	client *http.Client
}

// NewOllamaEmbedder creates an embedder using Ollama's API. dims is
// enforced on every response.
func NewOllamaEmbedder(url, model string, dims int) *OllamaEmbedder {
	return &OllamaEmbedder{
		url:    url,
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OllamaEmbedder) Model() string   { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return o.dims }

// Embed sends text to Ollama's embed endpoint and returns the embedding vector.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{
		"model": o.model,
		"input": text,
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal embed request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create embed request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ollama embed status %d: %s", resp.StatusCode, respBody)
		if resp.StatusCode < 500 {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode embed response: %w", err))
	}
	if len(result.Embeddings) == 0 {
		return nil, retry.Permanent(fmt.Errorf("ollama returned no embeddings"))
	}
	if got := len(result.Embeddings[0]); got != o.dims {
		return nil, retry.Permanent(fmt.Errorf("ollama returned %d dimensions, want %d", got, o.dims))
	}
	return result.Embeddings[0], nil
}

// DetectOllama checks if Ollama is reachable and the embedding model is
// available. It returns the model's dimension, or 0 when unusable.
func DetectOllama(ctx context.Context, url, model string) int {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(map[string]any{"model": model, "input": "ping"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/embed", bytes.NewReader(reqBody))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || len(result.Embeddings) == 0 {
		return 0
	}
	return len(result.Embeddings[0])
}

// Retrying wraps an Embedder with a retry policy and tags failures with
// ErrEmbeddingFailure.
type Retrying struct {
	Embedder
	policy retry.Policy
}

// WithRetry wraps e.
func WithRetry(e Embedder, p retry.Policy) *Retrying {
	return &Retrying{Embedder: e, policy: p}
}

// Embed calls the wrapped embedder under the retry policy.
func (r *Retrying) Embed(ctx context.Context, text string) ([]float64, error) {
	var vec []float64
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		v, err := r.Embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEmbeddingFailure, r.Model(), err)
	}
	return vec, nil
}
