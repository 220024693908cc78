// Package llms defines the opaque LLM client contract consumed by the
// LLM-backed invoker and the LLM decomposition strategy. The engine stays
// fully operational when no provider is configured.
package llms

import (
	"context"
	"fmt"

	"github.com/atelierhq/atelier/registry"
)

// Options are the recognized generation options; everything else about the
// transport is the provider's business.
type Options struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// Provider is a callable LLM backend.
type Provider interface {
	Name() string

	// Generate returns the full response text.
	Generate(ctx context.Context, prompt string, opts Options) (string, error)

	// GenerateStreaming returns a channel of response chunks, closed when
	// generation ends.
	GenerateStreaming(ctx context.Context, prompt string, opts Options) (<-chan string, error)
}

// ProviderError represents a backend failure.
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[llms:%s] %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("[llms:%s] %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Registry holds named providers.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

func (r *Registry) RegisterProvider(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	return r.Register(p.Name(), p)
}
