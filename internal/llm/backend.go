// Package llm provides streaming chat-completion backends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrMissingAPIKey is returned when a hosted backend is created without a key.
var ErrMissingAPIKey = errors.New("API key is required")

// Message represents a single message in a conversation
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant" or "tool"
	Content string `json:"content"` // message content
}

// Request is one streamed completion.
type Request struct {
	// System is the system prompt for this request only.
	System  string
	History []Message
	Prompt  string
	// Tools may be nil. Backends without function calling ignore it.
	Tools ToolExecutor
}

// Backend defines the interface for LLM backends.
type Backend interface {
	// Name returns the provider name ("openai", "anthropic", "ollama")
	Name() string
	// Model returns the current model name
	Model() string
	// SetModel sets the model for subsequent requests
	SetModel(model string)
	// Temperature returns the current temperature
	Temperature() float64
	// SetTemperature sets the temperature (0.0-2.0)
	SetTemperature(temp float64) error
	// ContextLimit returns the model's context window limit
	ContextLimit() int
	// StreamWithHistory starts a streamed response. The returned Stream is
	// closed by the backend when the response ends or fails.
	StreamWithHistory(ctx context.Context, req Request) (*Stream, error)
}

// Config selects and configures a backend.
type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64

	// MaxToolIterations bounds tool round trips for the openai provider.
	MaxToolIterations int
}

// NewBackend creates the backend named by cfg.Provider.
func NewBackend(cfg Config) (Backend, error) {
	var b Backend
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		c, err := NewOpenAIClient(cfg.APIKey, WithBaseURL(cfg.BaseURL), WithMaxToolIterations(cfg.MaxToolIterations))
		if err != nil {
			return nil, err
		}
		b = c
	case "anthropic":
		var opts []option.RequestOption
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		c, err := NewAnthropicClient(cfg.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		b = c
	case "ollama":
		b = NewOllamaClient(cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	if cfg.Model != "" {
		b.SetModel(cfg.Model)
	}
	if err := b.SetTemperature(cfg.Temperature); err != nil {
		return nil, err
	}
	return b, nil
}

func validTemperature(temp float64) error {
	if temp < 0.0 || temp > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}

// Verify that all clients implement Backend
var (
	_ Backend = (*OpenAIClient)(nil)
	_ Backend = (*AnthropicClient)(nil)
	_ Backend = (*OllamaClient)(nil)
)
