package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/pkg/metrics"
	"github.com/quillmail/quill/pkg/retry"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaEmbedder calls an Ollama-compatible embeddings endpoint with a
// per-call deadline and bounded retries.
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
	backoff retry.BackoffConfig
	timeout time.Duration
}

func NewOllamaEmbedder(cfg *config.IndexConfig) (*OllamaEmbedder, error) {
	timeout, err := cfg.GetSearchTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid search_timeout: %w", err)
	}

	backoff := retry.DefaultBackoffConfig()
	backoff.MaxRetries = cfg.GetRetryAttempts()

	return &OllamaEmbedder{
		baseURL: cfg.GetEmbeddingURL(),
		model:   cfg.GetEmbeddingModel(),
		client:  &http.Client{},
		backoff: backoff,
		timeout: timeout,
	}, nil
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32

	err := retry.WithRetry(ctx, e.backoff, func() error {
		start := time.Now()
		v, err := e.embedOnce(ctx, text)
		if err != nil {
			metrics.EmbeddingDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
			return err
		}
		metrics.EmbeddingDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
		vector = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

func (e *OllamaEmbedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding backend returned %d: %s", resp.StatusCode, string(b))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embedding backend returned empty vector")
	}
	return result.Embedding, nil
}

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineDistance is 1 - cosine similarity, bounded to [0,2]. Mismatched or
// zero vectors count as maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
