package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/pkg/circuitbreaker"
	"github.com/quillmail/quill/pkg/metrics"
)

// ErrGenerationUnavailable marks a backend that is down, overloaded, or
// timing out. The lifecycle manager retries these with backoff before
// failing the draft.
var ErrGenerationUnavailable = errors.New("generation backend unavailable")

// Completer produces text from a prompt. The max-tokens hint bounds the
// completion length.
type Completer interface {
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// OllamaClient calls an Ollama-compatible /api/generate endpoint behind a
// circuit breaker.
type OllamaClient struct {
	baseURL     string
	model       string
	temperature float64
	timeout     time.Duration
	client      *http.Client
	breaker     *circuitbreaker.CircuitBreaker
}

func NewOllamaClient(cfg *config.GenerationConfig) (*OllamaClient, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid generation timeout: %w", err)
	}
	cooldown, err := cfg.GetBreakerCooldown()
	if err != nil {
		return nil, fmt.Errorf("invalid breaker_cooldown: %w", err)
	}

	return &OllamaClient{
		baseURL:     cfg.GetURL(),
		model:       cfg.GetModel(),
		temperature: cfg.GetTemperature(),
		timeout:     timeout,
		client:      &http.Client{},
		breaker: circuitbreaker.New(circuitbreaker.DefaultSettings(
			"generation", uint32(cfg.GetBreakerThreshold()), cooldown)),
	}, nil
}

type generateRequest struct {
	Model       string          `json:"model"`
	Prompt      string          `json:"prompt"`
	System      string          `json:"system,omitempty"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
	Options     generateOptions `json:"options"`
}

type generateOptions struct {
	NumPredict int `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Complete invokes the backend once through the breaker. Connection errors,
// timeouts, 5xx responses, and an open breaker all surface as
// ErrGenerationUnavailable.
func (c *OllamaClient) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	var text string

	start := time.Now()
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		t, err := c.completeOnce(ctx, system, prompt, maxTokens)
		if err != nil {
			return err
		}
		text = t
		return nil
	})

	if err != nil {
		metrics.GenerationDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
		if circuitbreaker.Refused(err) {
			return "", fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
		}
		return "", err
	}

	metrics.GenerationDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	return text, nil
}

func (c *OllamaClient) completeOnce(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{
		Model:       c.model,
		Prompt:      prompt,
		System:      system,
		Temperature: c.temperature,
		Stream:      false,
		Options:     generateOptions{NumPredict: maxTokens},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: backend returned %d: %s", ErrGenerationUnavailable, resp.StatusCode, string(b))
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("generation backend returned %d: %s", resp.StatusCode, string(b))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}

	return strings.TrimSpace(result.Response), nil
}
