// Anthropic Messages API backend.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient streams responses from the Anthropic Messages API.
type AnthropicClient struct {
	client      anthropic.Client
	mu          sync.RWMutex
	model       string
	temperature float64
	maxTokens   int64
}

// NewAnthropicClient creates a new Anthropic client. Extra request options
// are passed to the SDK, for example option.WithBaseURL for a proxy.
func NewAnthropicClient(apiKey string, opts ...option.RequestOption) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrMissingAPIKey)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicClient{
		client:      anthropic.NewClient(opts...),
		model:       "claude-sonnet-4-20250514",
		temperature: 0.2,
		maxTokens:   4096,
	}, nil
}

// Name returns the provider name
func (c *AnthropicClient) Name() string { return "anthropic" }

// Model returns the current model name
func (c *AnthropicClient) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// SetModel sets the model for subsequent requests
func (c *AnthropicClient) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Temperature returns the current temperature
func (c *AnthropicClient) Temperature() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.temperature
}

// SetTemperature sets the temperature for subsequent requests. The Messages
// API accepts 0.0-1.0; larger values are clamped when sending.
func (c *AnthropicClient) SetTemperature(temp float64) error {
	if err := validTemperature(temp); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.temperature = temp
	return nil
}

// ContextLimit returns the model's context window limit
func (c *AnthropicClient) ContextLimit() int {
	return contextLimitForModel(c.Model())
}

// contextLimitForModel returns the context window size for a Claude model
func contextLimitForModel(model string) int {
	model = strings.ToLower(model)
	switch {
	case strings.Contains(model, "claude-2"):
		return 100000
	default:
		return 200000
	}
}

// buildAnthropicParams converts a request into Messages API parameters.
// System messages from history are sent as additional system blocks.
func buildAnthropicParams(model string, temp float64, maxTokens int64, req Request) anthropic.MessageNewParams {
	apiMessages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	var systemBlocks []anthropic.TextBlockParam

	if req.System != "" {
		systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: req.System})
	}
	for _, msg := range req.History {
		switch msg.Role {
		case "system":
			systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: msg.Content})
		case "user":
			apiMessages = append(apiMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			apiMessages = append(apiMessages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	apiMessages = append(apiMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Messages:    apiMessages,
		Temperature: anthropic.Float(min(temp, 1.0)),
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	return params
}

// StreamWithHistory starts streaming a response. Tools are not offered to
// Claude; retrieval runs before the request instead.
func (c *AnthropicClient) StreamWithHistory(ctx context.Context, req Request) (*Stream, error) {
	c.mu.RLock()
	params := buildAnthropicParams(c.model, c.temperature, c.maxTokens, req)
	c.mu.RUnlock()

	s := newStream()
	go func() {
		stream := c.client.Messages.NewStreaming(ctx, params)

		var usage Usage
		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "content_block_delta":
				delta := event.Delta
				if delta.Type == "text_delta" {
					if !s.send(ctx, delta.Text) {
						s.finish(ctx.Err())
						return
					}
				}
			case "message_delta":
				usage.OutputTokens = int(event.Usage.OutputTokens)
			case "message_start":
				usage.InputTokens = int(event.Message.Usage.InputTokens)
			}
		}
		s.addUsage(usage)

		if err := stream.Err(); err != nil {
			s.finish(fmt.Errorf("API error: %w", err))
			return
		}
		s.finish(nil)
	}()
	return s, nil
}
