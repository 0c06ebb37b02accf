package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func contentChunk(s string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": s}}},
	})
	return string(b)
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	if _, err := NewOpenAIClient(""); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("NewOpenAIClient(\"\") error = %v, want ErrMissingAPIKey", err)
	}
}

func TestContextLimitForOpenAIModel(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"gpt-4o", 128000},
		{"gpt-4o-mini", 128000},
		{"gpt-4-turbo", 128000},
		{"gpt-4", 8192},
		{"gpt-4.1-mini", 1047576},
		{"gpt-3.5-turbo", 16385},
		{"something-else", 128000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := contextLimitForOpenAIModel(tt.model); got != tt.want {
				t.Errorf("contextLimitForOpenAIModel(%q) = %d, want %d", tt.model, got, tt.want)
			}
		})
	}
}

func TestOpenAIClient_Stream(t *testing.T) {
	var gotReq openai.ChatCompletionRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		writeSSE(w,
			contentChunk("Hej "),
			contentChunk("<le"),
			contentChunk("tter>Kära invånare</letter>"),
			`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7}}`,
		)
	}))
	defer server.Close()

	client, err := NewOpenAIClient("sk-test", WithBaseURL(server.URL+"/"))
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	client.SetModel("gpt-4o-mini")

	stream, err := client.StreamWithHistory(context.Background(), Request{
		System:  "sys",
		History: []Message{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}},
		Prompt:  "c",
	})
	if err != nil {
		t.Fatalf("StreamWithHistory() error = %v", err)
	}

	var chunks []string
	for c := range stream.Chunks() {
		chunks = append(chunks, c)
	}
	if err := stream.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if got := strings.Join(chunks, ""); got != "Hej <letter>Kära invånare</letter>" {
		t.Errorf("streamed text = %q", got)
	}
	if len(chunks) != 3 {
		t.Errorf("got %d chunks, want 3", len(chunks))
	}
	if u := stream.Usage(); u.InputTokens != 12 || u.OutputTokens != 7 {
		t.Errorf("Usage() = %+v", u)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini" || !gotReq.Stream || gotReq.Temperature != 0.2 {
		t.Errorf("request = %+v", gotReq)
	}
	if len(gotReq.Messages) != 4 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if len(gotReq.Tools) != 0 {
		t.Errorf("tools sent without executor: %+v", gotReq.Tools)
	}
}

func TestOpenAIClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client, _ := NewOpenAIClient("bad", WithBaseURL(server.URL))
	stream, _ := client.StreamWithHistory(context.Background(), Request{Prompt: "hi"})
	for range stream.Chunks() {
	}
	err := stream.Wait()
	if err == nil || !strings.Contains(err.Error(), "Incorrect API key provided") {
		t.Errorf("Wait() error = %v", err)
	}
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []ToolCall
}

func (e *recordingExecutor) Tools() []Tool {
	return []Tool{{
		Name:        "search_knowledge",
		Description: "search",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
	}}
}

func (e *recordingExecutor) Execute(ctx context.Context, call ToolCall) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
	return `[{"score":0.9,"payload":{"text":"doc"}}]`, nil
}

func TestOpenAIClient_ToolLoop(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []openai.ChatCompletionRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		requests = append(requests, req)
		n := len(requests)
		mu.Unlock()

		if n == 1 {
			writeSSE(w,
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search_knowledge","arguments":""}}]}}]}`,
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":\"bygglov\"}"}}]}}]}`,
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":\"avgift\"}"}}]}}]}`,
				`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			)
			return
		}
		writeSSE(w,
			contentChunk("<letter>Svar</letter>"),
			`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		)
	}))
	defer server.Close()

	exec := &recordingExecutor{}
	client, _ := NewOpenAIClient("sk", WithBaseURL(server.URL))
	stream, _ := client.StreamWithHistory(context.Background(), Request{Prompt: "bygglov?", Tools: exec})
	var text strings.Builder
	for c := range stream.Chunks() {
		text.WriteString(c)
	}
	if err := stream.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if text.String() != "<letter>Svar</letter>" {
		t.Errorf("text = %q", text.String())
	}
	// Two concatenated argument objects run as two executions.
	if len(exec.calls) != 2 {
		t.Fatalf("executed %d calls, want 2", len(exec.calls))
	}
	if exec.calls[0].Arguments != `{"query":"bygglov"}` || exec.calls[1].Arguments != `{"query":"avgift"}` {
		t.Errorf("calls = %+v", exec.calls)
	}

	if len(requests) != 2 {
		t.Fatalf("made %d requests, want 2", len(requests))
	}
	if len(requests[0].Tools) != 1 || requests[0].Tools[0].Function.Name != "search_knowledge" {
		t.Errorf("tools = %+v", requests[0].Tools)
	}
	second := requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("second request has %d messages, want 3", len(second))
	}
	if second[1].Role != "assistant" || len(second[1].ToolCalls) != 1 || second[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool message = %+v", second[1])
	}
	if second[2].Role != "tool" || second[2].ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v", second[2])
	}
}

func TestOpenAIClient_ToolLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c","function":{"name":"search_knowledge","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`,
		)
	}))
	defer server.Close()

	client, _ := NewOpenAIClient("sk", WithBaseURL(server.URL), WithMaxToolIterations(2))
	stream, _ := client.StreamWithHistory(context.Background(), Request{Prompt: "x", Tools: &recordingExecutor{}})
	for range stream.Chunks() {
	}
	if err := stream.Wait(); !errors.Is(err, ErrToolLimit) {
		t.Errorf("Wait() error = %v, want ErrToolLimit", err)
	}
}

func TestOpenAIClient_Cancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", contentChunk("<letter>start"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client, _ := NewOpenAIClient("sk", WithBaseURL(server.URL))
	stream, _ := client.StreamWithHistory(ctx, Request{Prompt: "x"})

	first := <-stream.Chunks()
	if first != "<letter>start" {
		t.Fatalf("first chunk = %q", first)
	}
	cancel()
	for range stream.Chunks() {
	}
	if err := stream.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}
