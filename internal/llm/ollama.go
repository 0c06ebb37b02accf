// Ollama backend for local LLM inference.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// OllamaClient uses the Ollama HTTP API for LLM requests.
type OllamaClient struct {
	mu          sync.RWMutex
	baseURL     string
	httpClient  *http.Client
	model       string
	temperature float64
	// limits caches the context window per model name.
	limits map[string]int
}

// showTimeout bounds the /api/show lookup behind ContextLimit.
const showTimeout = 5 * time.Second

// ollamaChatRequest represents a request to /api/chat
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

// ollamaMessage represents a message in the Ollama format
type ollamaMessage struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// ollamaOptions represents generation options
type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

// ollamaChatResponse represents one line of a streamed /api/chat response
type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// ollamaShowResponse represents a response from /api/show
type ollamaShowResponse struct {
	ModelInfo struct {
		ContextLength int `json:"context_length"`
	} `json:"model_info"`
}

// NewOllamaClient creates a new Ollama-based LLM client
func NewOllamaClient(baseURL string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &OllamaClient{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		model:       "llama3.2",
		temperature: 0.2,
		limits:      make(map[string]int),
	}
}

// Name returns the provider name
func (c *OllamaClient) Name() string { return "ollama" }

// Model returns the current model name
func (c *OllamaClient) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// SetModel sets the model for subsequent requests
func (c *OllamaClient) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Temperature returns the current temperature
func (c *OllamaClient) Temperature() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.temperature
}

// SetTemperature sets the temperature for subsequent requests
func (c *OllamaClient) SetTemperature(temp float64) error {
	if err := validTemperature(temp); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.temperature = temp
	return nil
}

// ContextLimit returns the model's context window limit. The server is
// asked once per model; later calls use the cached answer.
func (c *OllamaClient) ContextLimit() int {
	c.mu.RLock()
	model := c.model
	limit, ok := c.limits[model]
	c.mu.RUnlock()
	if ok {
		return limit
	}

	ctx, cancel := context.WithTimeout(context.Background(), showTimeout)
	defer cancel()
	limit = c.queryContextLimit(ctx, model)
	if limit <= 0 {
		limit = contextLimitForOllamaModel(model)
	}

	c.mu.Lock()
	c.limits[model] = limit
	c.mu.Unlock()
	return limit
}

// queryContextLimit queries the Ollama API for model context length
func (c *OllamaClient) queryContextLimit(ctx context.Context, model string) int {
	body, err := json.Marshal(map[string]string{"name": model})
	if err != nil {
		return 0
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()

	var showResp ollamaShowResponse
	if err := json.NewDecoder(resp.Body).Decode(&showResp); err != nil {
		return 0
	}
	return showResp.ModelInfo.ContextLength
}

// contextLimitForOllamaModel returns default context limits for known models
func contextLimitForOllamaModel(model string) int {
	model = strings.ToLower(model)
	switch {
	case strings.Contains(model, "llama3"):
		return 8192
	case strings.Contains(model, "llama2"):
		return 4096
	case strings.Contains(model, "mixtral"):
		return 32768
	case strings.Contains(model, "mistral"):
		return 8192
	case strings.Contains(model, "codellama"):
		return 16384
	case strings.Contains(model, "phi"):
		return 2048
	case strings.Contains(model, "gemma"):
		return 8192
	default:
		return 4096 // Conservative default
	}
}

// buildOllamaMessages converts a request to Ollama format
func buildOllamaMessages(req Request) []ollamaMessage {
	var msgs []ollamaMessage
	if req.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.History {
		switch msg.Role {
		case "system", "user", "assistant":
			msgs = append(msgs, ollamaMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	return append(msgs, ollamaMessage{Role: "user", Content: req.Prompt})
}

// StreamWithHistory starts streaming a response from /api/chat.
func (c *OllamaClient) StreamWithHistory(ctx context.Context, req Request) (*Stream, error) {
	c.mu.RLock()
	chatReq := ollamaChatRequest{
		Model:    c.model,
		Messages: buildOllamaMessages(req),
		Stream:   true,
		Options:  &ollamaOptions{Temperature: c.temperature},
	}
	c.mu.RUnlock()

	reqBody, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	s := newStream()
	go func() {
		s.finish(c.stream(ctx, s, reqBody))
	}()
	return s, nil
}

func (c *OllamaClient) stream(ctx context.Context, s *Stream, reqBody []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("Ollama API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Ollama API error: HTTP %d: %s", resp.StatusCode, string(body))
	}

	// Read streaming NDJSON responses
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var chatResp ollamaChatResponse
		if err := json.Unmarshal(line, &chatResp); err != nil {
			continue
		}
		if chatResp.Error != "" {
			return fmt.Errorf("Ollama API error: %s", chatResp.Error)
		}
		if !s.send(ctx, chatResp.Message.Content) {
			return ctx.Err()
		}
		if chatResp.Done {
			s.addUsage(Usage{InputTokens: chatResp.PromptEvalCount, OutputTokens: chatResp.EvalCount})
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading stream: %w", err)
	}
	return fmt.Errorf("Ollama API error: stream ended before done")
}
