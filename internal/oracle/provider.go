package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/toolmind/agent/config"
)

// Provider is a single LLM credential/model endpoint. The adapter rotates
// across a ring of Providers; each Provider itself only knows how to talk
// to one API.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (text string, inputTokens, outputTokens int64, err error)
}

// NewProvider builds the concrete Provider for one configured credential.
func NewProvider(cfg config.LLMProviderConfig, timeout time.Duration) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return &openAIProvider{cfg: cfg, client: &http.Client{Timeout: timeout}}, nil
	case "anthropic":
		return &anthropicProvider{cfg: cfg, client: &http.Client{Timeout: timeout}}, nil
	default:
		return nil, fmt.Errorf("oracle: unsupported provider type %q", cfg.Type)
	}
}

type openAIProvider struct {
	cfg    config.LLMProviderConfig
	client *http.Client
}

func (p *openAIProvider) Name() string { return p.cfg.Name }

func (p *openAIProvider) Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, int64, int64, error) {
	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}

	body, err := json.Marshal(chatReq{
		Model:       p.cfg.Model,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, 0, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, &httpStatusError{provider: p.cfg.Name, status: resp.StatusCode}
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, 0, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no choices returned")
	}
	return out.Choices[0].Message.Content, int64(out.Usage.PromptTokens), int64(out.Usage.CompletionTokens), nil
}

type anthropicProvider struct {
	cfg    config.LLMProviderConfig
	client *http.Client
}

func (p *anthropicProvider) Name() string { return p.cfg.Name }

func (p *anthropicProvider) Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, int64, int64, error) {
	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}

	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type req struct {
		Model       string  `json:"model"`
		Messages    []msg   `json:"messages"`
		Temperature float64 `json:"temperature,omitempty"`
		MaxTokens   int     `json:"max_tokens"`
	}

	body, err := json.Marshal(req{
		Model:       p.cfg.Model,
		Messages:    []msg{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", 0, 0, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, &httpStatusError{provider: p.cfg.Name, status: resp.StatusCode}
	}

	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, 0, fmt.Errorf("decode: %w", err)
	}
	if len(out.Content) == 0 {
		return "", 0, 0, fmt.Errorf("no content returned")
	}
	return out.Content[0].Text, int64(out.Usage.InputTokens), int64(out.Usage.OutputTokens), nil
}

// httpStatusError carries the HTTP status so the adapter can tell a
// rate-limit/auth failure (retry with rotation) from other errors.
type httpStatusError struct {
	provider string
	status   int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("provider %s returned status %d", e.provider, e.status)
}

func (e *httpStatusError) rotatable() bool {
	return e.status == http.StatusTooManyRequests || e.status == http.StatusUnauthorized || e.status == http.StatusForbidden
}
