// Package llm is the dual-engine text generation and embedding client.
// Outputs are untrusted text; the pipeline enforces content limits.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/PostForge/internal/observability"
)

// Engine tags, recorded on revisions.
const (
	EnginePrimary  = "PRIMARY"
	EngineFallback = "FALLBACK"
)

// DefaultTimeout bounds every LLM call.
const DefaultTimeout = 60 * time.Second

// ProviderError is a classified failure from an engine. Retriable provider
// failures (rate limit, timeout, 5xx) let the caller fall back to the
// secondary engine; everything else is terminal for the attempt.
type ProviderError struct {
	Engine    string
	Status    int
	Retriable bool
	Msg       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm %s: %s (status %d)", e.Engine, e.Msg, e.Status)
}

// IsRetriableProvider reports whether err is a provider failure that
// warrants engine fallback.
func IsRetriableProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retriable
}

// EngineConfig describes one chat-completion endpoint.
type EngineConfig struct {
	Name    string // PRIMARY or FALLBACK
	BaseURL string
	APIKey  string
	Model   string
}

// Client talks to two chat engines and one embedding endpoint.
type Client struct {
	primary   EngineConfig
	fallback  EngineConfig
	embedding EngineConfig

	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a Client. The limiter paces outbound calls so a
// misbehaving retry loop cannot hammer the provider.
func NewClient(primary, fallback, embedding EngineConfig) *Client {
	primary.Name = EnginePrimary
	fallback.Name = EngineFallback
	return &Client{
		primary:   primary,
		fallback:  fallback,
		embedding: embedding,
		http:      &http.Client{Timeout: DefaultTimeout},
		limiter:   rate.NewLimiter(rate.Limit(2), 5),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate produces text from the named engine (EnginePrimary or
// EngineFallback). It returns the text and the engine tag actually used.
func (c *Client) Generate(ctx context.Context, prompt, engine string) (string, string, error) {
	cfg := c.primary
	if engine == EngineFallback {
		cfg = c.fallback
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", cfg.Name, err
	}

	body, err := json.Marshal(chatRequest{
		Model: cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", cfg.Name, err
	}

	raw, err := c.post(ctx, cfg, "/v1/chat/completions", body)
	if err != nil {
		observability.LLMCalls.WithLabelValues(cfg.Name, "error").Inc()
		return "", cfg.Name, err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Choices) == 0 {
		observability.LLMCalls.WithLabelValues(cfg.Name, "malformed").Inc()
		return "", cfg.Name, &ProviderError{Engine: cfg.Name, Retriable: true, Msg: "malformed completion response"}
	}

	observability.LLMCalls.WithLabelValues(cfg.Name, "ok").Inc()
	return resp.Choices[0].Message.Content, cfg.Name, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the vector for the given text using the embedding engine.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(embedRequest{Model: c.embedding.Model, Input: text})
	if err != nil {
		return nil, err
	}

	raw, err := c.post(ctx, c.embedding, "/v1/embeddings", body)
	if err != nil {
		observability.LLMCalls.WithLabelValues("embedding", "error").Inc()
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Data) == 0 {
		observability.LLMCalls.WithLabelValues("embedding", "malformed").Inc()
		return nil, &ProviderError{Engine: "embedding", Retriable: true, Msg: "malformed embedding response"}
	}

	observability.LLMCalls.WithLabelValues("embedding", "ok").Inc()
	return resp.Data[0].Embedding, nil
}

func (c *Client) post(ctx context.Context, cfg EngineConfig, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connectivity failures are retriable provider failures.
		return nil, &ProviderError{Engine: cfg.Name, Retriable: true, Msg: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProviderError{Engine: cfg.Name, Retriable: true, Msg: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &ProviderError{Engine: cfg.Name, Status: resp.StatusCode, Retriable: true,
			Msg: fmt.Sprintf("provider returned %d", resp.StatusCode)}
	default:
		return nil, &ProviderError{Engine: cfg.Name, Status: resp.StatusCode, Retriable: false,
			Msg: fmt.Sprintf("provider returned %d", resp.StatusCode)}
	}
}
