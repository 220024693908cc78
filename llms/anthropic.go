package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// ANTHROPIC PROVIDER
// ============================================================================

const (
	defaultAnthropicHost    = "https://api.anthropic.com"
	defaultAnthropicVersion = "2023-06-01"
	defaultMaxTokens        = 4096
	defaultTimeout          = 120 * time.Second
)

// AnthropicConfig configures the Anthropic-compatible HTTP provider.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	Host    string
	Timeout time.Duration
}

// AnthropicProvider implements Provider against the Anthropic messages API.
type AnthropicProvider struct {
	cfg    AnthropicConfig
	client *http.Client
}

func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, &ProviderError{Provider: "anthropic", Message: "API key is required"}
	}
	if cfg.Host == "" {
		cfg.Host = defaultAnthropicHost
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &AnthropicProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamChunk struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
}

func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := p.post(ctx, prompt, opts, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Provider: "anthropic", Message: "failed to read response", Err: err}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &ProviderError{Provider: "anthropic", Message: "failed to parse response", Err: err}
	}
	if parsed.Error != nil {
		return "", &ProviderError{Provider: "anthropic",
			Message: fmt.Sprintf("API error (%s): %s", parsed.Error.Type, parsed.Error.Message)}
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, prompt string, opts Options) (<-chan string, error) {
	resp, err := p.post(ctx, prompt, opts, true)
	if err != nil {
		return nil, err
	}

	out := make(chan string, 100)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var chunk anthropicStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Type == "content_block_delta" && chunk.Delta != nil && chunk.Delta.Text != "" {
				select {
				case out <- chunk.Delta.Text:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *AnthropicProvider) post(ctx context.Context, prompt string, opts Options, stream bool) (*http.Response, error) {
	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	payload := anthropicRequest{
		Model:       model,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: "failed to marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.Host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", defaultAnthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: "request failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, &ProviderError{Provider: "anthropic",
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(raw))}
	}
	return resp, nil
}
