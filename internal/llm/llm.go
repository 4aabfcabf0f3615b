// Package llm talks to the language model that performs structured extraction.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyResponse is returned when the backend answers without any message.
var ErrEmptyResponse = errors.New("empty model response")

// Message is a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting reported by the backend for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is a single structured completion request. Schema, when set, is a
// JSON Schema document the reply must conform to.
type Request struct {
	Model      string
	Messages   []Message
	Schema     map[string]any
	SchemaName string
}

// Response is the assistant reply plus usage.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Engine abstracts a chat-completion backend (OpenAI-compatible API or a
// local Ollama instance).
type Engine interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Options selects and configures a backend.
type Options struct {
	Provider string // "openai", "openrouter" or "ollama"
	BaseURL  string
	APIKey   string
}

// New returns the Engine for opts.Provider.
func New(opts Options) (Engine, error) {
	switch strings.ToLower(opts.Provider) {
	case "", "openai":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		base := opts.BaseURL
		if base == "" {
			base = OpenAIBaseURL
		}
		return NewOpenAIClientWithBaseURL(opts.APIKey, base), nil
	case "openrouter":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openrouter provider requires an API key")
		}
		base := opts.BaseURL
		if base == "" {
			base = OpenRouterBaseURL
		}
		return NewOpenAIClientWithBaseURL(opts.APIKey, base), nil
	case "ollama":
		base := opts.BaseURL
		if base == "" {
			base = OllamaBaseURL
		}
		return NewOllamaClient(base), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}
