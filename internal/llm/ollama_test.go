package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestOllamaClient_BasicOperations(t *testing.T) {
	client := NewOllamaClient("http://localhost:11434")

	if got := client.Name(); got != "ollama" {
		t.Errorf("Name() = %q, want %q", got, "ollama")
	}

	// Test default model
	if got := client.Model(); got != "llama3.2" {
		t.Errorf("Model() = %q, want %q", got, "llama3.2")
	}

	// Test SetModel
	client.SetModel("mistral")
	if got := client.Model(); got != "mistral" {
		t.Errorf("Model() after SetModel = %q, want %q", got, "mistral")
	}

	// Test default temperature
	if got := client.Temperature(); got != 0.2 {
		t.Errorf("Temperature() = %v, want %v", got, 0.2)
	}

	// Test SetTemperature
	if err := client.SetTemperature(0.5); err != nil {
		t.Errorf("SetTemperature(0.5) error = %v", err)
	}
	if got := client.Temperature(); got != 0.5 {
		t.Errorf("Temperature() after SetTemperature = %v, want %v", got, 0.5)
	}

	// Test invalid temperature
	if err := client.SetTemperature(3.0); err == nil {
		t.Error("SetTemperature(3.0) should return error")
	}
}

func TestOllamaClient_ContextLimitDefaults(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"llama3.2", 8192},
		{"llama2", 4096},
		{"mistral", 8192},
		{"mixtral", 32768},
		{"codellama", 16384},
		{"phi", 2048},
		{"gemma", 8192},
		{"unknown", 4096},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := contextLimitForOllamaModel(tt.model)
			if got != tt.want {
				t.Errorf("contextLimitForOllamaModel(%q) = %d, want %d", tt.model, got, tt.want)
			}
		})
	}
}

func TestOllamaClient_ContextLimitFromServer(t *testing.T) {
	var shows atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/show" {
			var body struct {
				Name string `json:"name"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			shows.Add(1)
			if body.Name == "missing" {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte(`{"model_info":{"context_length":131072}}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL + "/")
	for i := 0; i < 3; i++ {
		if got := client.ContextLimit(); got != 131072 {
			t.Errorf("ContextLimit() = %d, want 131072", got)
		}
	}
	if n := shows.Load(); n != 1 {
		t.Errorf("/api/show called %d times, want 1", n)
	}

	// Unknown models fall back to the table, also only once.
	client.SetModel("missing")
	for i := 0; i < 2; i++ {
		if got := client.ContextLimit(); got != 4096 {
			t.Errorf("ContextLimit() = %d, want 4096", got)
		}
	}
	if n := shows.Load(); n != 2 {
		t.Errorf("/api/show called %d times, want 2", n)
	}
}

func TestOllamaClient_ContextLimitUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewOllamaClient(url)
	client.SetModel("mixtral")
	if got := client.ContextLimit(); got != 32768 {
		t.Errorf("ContextLimit() = %d, want 32768", got)
	}
}

func TestOllamaClient_MockServer(t *testing.T) {
	var gotReq ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		enc := json.NewEncoder(w)
		for _, part := range []string{"Hej ", "<lett", "er>Brev</letter>"} {
			enc.Encode(ollamaChatResponse{Model: gotReq.Model, Message: ollamaMessage{Role: "assistant", Content: part}})
		}
		enc.Encode(ollamaChatResponse{Model: gotReq.Model, Done: true, PromptEvalCount: 10, EvalCount: 5})
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL)
	stream, err := client.StreamWithHistory(context.Background(), Request{
		System:  "system prompt",
		History: []Message{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}},
		Prompt:  "What is 2+2?",
	})
	if err != nil {
		t.Fatalf("StreamWithHistory() error = %v", err)
	}

	var sb strings.Builder
	for chunk := range stream.Chunks() {
		sb.WriteString(chunk)
	}
	if err := stream.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if got := sb.String(); got != "Hej <letter>Brev</letter>" {
		t.Errorf("streamed text = %q", got)
	}
	if got := stream.Text(); got != sb.String() {
		t.Errorf("Text() = %q, want %q", got, sb.String())
	}
	if got := stream.Usage().Total(); got != 15 {
		t.Errorf("Usage().Total() = %d, want 15", got)
	}

	if !gotReq.Stream {
		t.Error("request was not streamed")
	}
	if len(gotReq.Messages) != 4 || gotReq.Messages[0].Role != "system" || gotReq.Messages[3].Content != "What is 2+2?" {
		t.Errorf("request messages = %+v", gotReq.Messages)
	}
}

func TestOllamaClient_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL)
	stream, err := client.StreamWithHistory(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("StreamWithHistory() error = %v", err)
	}
	for range stream.Chunks() {
	}
	err = stream.Wait()
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("Wait() error = %v, want HTTP 404", err)
	}
}

func TestOllamaClient_TruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChatResponse{Message: ollamaMessage{Content: "<letter>half"}})
	}))
	defer server.Close()

	stream, _ := NewOllamaClient(server.URL).StreamWithHistory(context.Background(), Request{Prompt: "hi"})
	for range stream.Chunks() {
	}
	if err := stream.Wait(); err == nil {
		t.Error("expected error for stream without done")
	}
	if got := stream.Text(); got != "<letter>half" {
		t.Errorf("Text() = %q", got)
	}
}
