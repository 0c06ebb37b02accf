// Package embedding turns text into vectors for the retrieval layer.
// Supported providers: OpenAI, Google GenAI and a local Ollama server.
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the dimensionality of embeddings, or 0 if it is
	// not known before the first request
	Dimensions() int
	// Name returns the engine name
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "openai", "genai" or "ollama"
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the API endpoint for openai and ollama.
	BaseURL string
	// TaskType is passed to GenAI, e.g. "RETRIEVAL_QUERY".
	TaskType string
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		return NewOpenAIEngine(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "genai":
		return NewGenAIEngine(cfg.APIKey, cfg.Model, cfg.TaskType)
	case "ollama":
		return NewOllamaEngine(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'openai', 'genai' or 'ollama')", cfg.Provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}
