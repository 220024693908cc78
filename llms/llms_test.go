package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProvider_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 1)

		resp := anthropicResponse{
			Content: []anthropicContent{{Type: "text", Text: "hello from model"}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{
		APIKey: "test-key",
		Model:  "test-model",
		Host:   server.URL,
	})
	require.NoError(t, err)

	out, err := provider.Generate(context.Background(), "say hello", Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello from model", out)
}

func TestAnthropicProvider_GenerateStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}`,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`data: {"type":"message_stop"}`,
		}
		for _, chunk := range chunks {
			_, _ = w.Write([]byte(chunk + "\n\n"))
		}
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{
		APIKey: "test-key",
		Model:  "test-model",
		Host:   server.URL,
	})
	require.NoError(t, err)

	stream, err := provider.GenerateStreaming(context.Background(), "say hello", Options{Stream: true})
	require.NoError(t, err)

	var full strings.Builder
	for chunk := range stream {
		full.WriteString(chunk)
	}
	assert.Equal(t, "hello", full.String())
}

func TestAnthropicProvider_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Error: &anthropicError{Type: "invalid_request_error", Message: "bad prompt"},
		})
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k", Host: server.URL})
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), "x", Options{})
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Message, "bad prompt")
}

func TestNewAnthropicProvider_RequiresKey(t *testing.T) {
	_, err := NewAnthropicProvider(AnthropicConfig{})
	assert.Error(t, err)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	require.NoError(t, err)

	require.NoError(t, reg.RegisterProvider(provider))
	got, ok := reg.Get("anthropic")
	require.True(t, ok)
	assert.Equal(t, "anthropic", got.Name())

	assert.Error(t, reg.RegisterProvider(provider), "duplicate registration rejected")
	assert.Error(t, reg.RegisterProvider(nil))
}
