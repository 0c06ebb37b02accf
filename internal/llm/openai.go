// OpenAI-compatible chat completions backend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ErrToolLimit is returned when the model keeps calling tools past the
// configured number of round trips.
var ErrToolLimit = errors.New("tool call limit reached")

// OpenAIClient streams chat completions from the OpenAI API or any server
// speaking the same protocol.
type OpenAIClient struct {
	mu                sync.RWMutex
	client            *openai.Client
	model             string
	temperature       float64
	maxToolIterations int
}

type openaiOptions struct {
	config            openai.ClientConfig
	maxToolIterations int
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*openaiOptions)

// WithBaseURL sets a custom API base URL. Empty keeps the default.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(o *openaiOptions) {
		if baseURL != "" {
			o.config.BaseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) OpenAIOption {
	return func(o *openaiOptions) { o.config.HTTPClient = httpClient }
}

// WithMaxToolIterations bounds tool round trips per response.
func WithMaxToolIterations(n int) OpenAIOption {
	return func(o *openaiOptions) {
		if n > 0 {
			o.maxToolIterations = n
		}
	}
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
	}
	o := openaiOptions{
		config:            openai.DefaultConfig(apiKey),
		maxToolIterations: DefaultMaxToolIterations,
	}
	o.config.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	return &OpenAIClient{
		client:            openai.NewClientWithConfig(o.config),
		model:             "gpt-4o",
		temperature:       0.2,
		maxToolIterations: o.maxToolIterations,
	}, nil
}

// Name returns the provider name
func (c *OpenAIClient) Name() string { return "openai" }

// Model returns the current model name
func (c *OpenAIClient) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// SetModel sets the model for subsequent requests
func (c *OpenAIClient) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Temperature returns the current temperature
func (c *OpenAIClient) Temperature() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.temperature
}

// SetTemperature sets the temperature for subsequent requests
func (c *OpenAIClient) SetTemperature(temp float64) error {
	if err := validTemperature(temp); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.temperature = temp
	return nil
}

// ContextLimit returns the model's context window limit
func (c *OpenAIClient) ContextLimit() int {
	return contextLimitForOpenAIModel(c.Model())
}

func contextLimitForOpenAIModel(model string) int {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4.1"):
		return 1047576
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4-turbo"):
		return 128000
	case strings.HasPrefix(model, "gpt-4"):
		return 8192
	case strings.HasPrefix(model, "gpt-3.5"):
		return 16385
	default:
		return 128000
	}
}

// StreamWithHistory starts streaming a response. Tool calls requested by
// the model are executed with req.Tools and the conversation is resumed
// until the model produces a final answer.
func (c *OpenAIClient) StreamWithHistory(ctx context.Context, req Request) (*Stream, error) {
	c.mu.RLock()
	model := c.model
	temp := c.temperature
	maxIter := c.maxToolIterations
	c.mu.RUnlock()

	var tools []openai.Tool
	if req.Tools != nil {
		for _, t := range req.Tools.Tools() {
			tools = append(tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
	}
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      buildOpenAIMessages(req),
		Temperature:   float32(temp),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		Tools:         tools,
	}

	s := newStream()
	go func() {
		s.finish(c.run(ctx, s, chatReq, maxIter, req.Tools))
	}()
	return s, nil
}

func buildOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.History {
		switch m.Role {
		case "system", "user", "assistant":
			msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		}
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
}

func (c *OpenAIClient) run(ctx context.Context, s *Stream, req openai.ChatCompletionRequest, maxIter int, exec ToolExecutor) error {
	for iter := 0; ; iter++ {
		calls, finish, err := c.streamOnce(ctx, s, req)
		if err != nil {
			return err
		}
		if finish != openai.FinishReasonToolCalls || len(calls) == 0 || exec == nil {
			return nil
		}
		if iter+1 >= maxIter {
			return fmt.Errorf("%w (%d)", ErrToolLimit, maxIter)
		}

		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: calls,
		})
		for _, call := range calls {
			result := executeToolCall(ctx, exec, ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}
}

// executeToolCall runs a call once per JSON argument object.
func executeToolCall(ctx context.Context, exec ToolExecutor, call ToolCall) string {
	var results []string
	for _, args := range SplitArguments(call.Arguments) {
		call.Arguments = string(args)
		out, err := exec.Execute(ctx, call)
		if err != nil {
			out = fmt.Sprintf("Error: %v", err)
		}
		results = append(results, out)
	}
	return strings.Join(results, "\n")
}

// streamOnce performs one streamed request and returns any tool calls the
// model made along with the finish reason. Tool call deltas are merged by
// their index.
func (c *OpenAIClient) streamOnce(ctx context.Context, s *Stream, req openai.ChatCompletionRequest) ([]openai.ToolCall, openai.FinishReason, error) {
	resp, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Close()

	calls := make(map[int]*openai.ToolCall)
	var order []int
	var finish openai.FinishReason
	for {
		chunk, err := resp.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			return nil, "", fmt.Errorf("reading stream: %w", err)
		}

		if chunk.Usage != nil {
			s.addUsage(Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens})
		}
		for _, choice := range chunk.Choices {
			if !s.send(ctx, choice.Delta.Content) {
				return nil, "", ctx.Err()
			}
			for i, d := range choice.Delta.ToolCalls {
				idx := i
				if d.Index != nil {
					idx = *d.Index
				}
				tc, ok := calls[idx]
				if !ok {
					tc = &openai.ToolCall{Type: openai.ToolTypeFunction}
					calls[idx] = tc
					order = append(order, idx)
				}
				if d.ID != "" {
					tc.ID = d.ID
				}
				tc.Function.Name += d.Function.Name
				tc.Function.Arguments += d.Function.Arguments
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	sort.Ints(order)
	out := make([]openai.ToolCall, 0, len(order))
	for _, i := range order {
		out = append(out, *calls[i])
	}
	return out, finish, nil
}
