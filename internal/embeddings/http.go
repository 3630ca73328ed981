package embeddings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shivavenkatesh/medarchive/internal/cache"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// HTTPClient calls an image embedding service speaking the Ollama embed
// protocol: POST /api/embed {"model", "input": [base64 image]} answered by
// {"embeddings": [[...]]}.
type HTTPClient struct {
	baseURL    string
	model      string
	dims       int
	httpClient *http.Client
	cache      *cache.EmbeddingCache

	// Stats
	requests atomic.Int64
	latency  atomic.Int64 // cumulative latency in microseconds
}

// embedRequest is the request payload for the embed API
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	BaseURL    string
	Model      string
	Dimensions int
	CacheSize  int
	Timeout    time.Duration
}

// DefaultHTTPConfig returns sensible defaults
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:   "http://localhost:11434",
		Model:     "medical-image-embed",
		CacheSize: 1000,
		Timeout:   30 * time.Second,
	}
}

// NewHTTPClient creates a new embedding client
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	def := DefaultHTTPConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		dims:    cfg.Dimensions,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache: cache.NewEmbeddingCache(cfg.CacheSize),
	}
}

// Embed generates the feature vector for an image. Every failure is an
// EmbeddingFault.
func (c *HTTPClient) Embed(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, types.Validationf("image is empty")
	}

	// Check cache first
	if embedding, ok := c.cache.Get(image); ok {
		return embedding, nil
	}

	start := time.Now()

	jsonBody, err := json.Marshal(embedRequest{
		Model: c.model,
		Input: []string{base64.StdEncoding.EncodeToString(image)},
	})
	if err != nil {
		return nil, Fault(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, Fault(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Fault(fmt.Errorf("failed to call embedding service: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, Fault(fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body)))
	}

	embedding, err := decodeEmbedding(resp.Body)
	if err != nil {
		return nil, Fault(fmt.Errorf("failed to parse response: %w", err))
	}
	if c.dims > 0 && len(embedding) != c.dims {
		return nil, fmt.Errorf("%w: model %s returned %d dimensions, want %d",
			types.ErrEmbeddingFault, c.model, len(embedding), c.dims)
	}

	// Update stats
	c.requests.Add(1)
	c.latency.Add(time.Since(start).Microseconds())

	// Cache the result
	c.cache.Put(image, embedding)

	return embedding, nil
}

// embedResponse is the embed API answer; only the first input is sent
type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

func decodeEmbedding(r io.Reader) ([]float32, error) {
	var resp embedResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("no embeddings in response")
	}
	return resp.Embeddings[0], nil
}

// Dimensions returns the embedding vector dimensions
func (c *HTTPClient) Dimensions() int {
	return c.dims
}

// Model returns the current embedding model name
func (c *HTTPClient) Model() string {
	return c.model
}

// Close releases resources
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Stats returns the request count, mean latency and cache hit fraction
func (c *HTTPClient) Stats() (requests int64, avgLatencyMs float64, cacheHitRate float64) {
	requests = c.requests.Load()
	if requests > 0 {
		avgLatencyMs = float64(c.latency.Load()) / float64(requests) / 1000
	}
	_, _, cacheHitRate = c.cache.Stats()
	return
}
