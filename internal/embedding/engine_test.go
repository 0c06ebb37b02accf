package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}

	_, err := CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestNewEngine(t *testing.T) {
	e, err := NewEngine(Config{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai:text-embedding-3-large", e.Name())
	assert.Equal(t, 3072, e.Dimensions())

	e, err = NewEngine(Config{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama:embeddinggemma", e.Name())

	_, err = NewEngine(Config{Provider: "openai"})
	assert.Error(t, err)

	_, err = NewEngine(Config{Provider: "word2vec"})
	assert.Error(t, err)
}

func TestOpenAIEngine(t *testing.T) {
	var got struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		json.NewDecoder(r.Body).Decode(&got)
		// Out of order on purpose.
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer server.Close()

	e, err := NewOpenAIEngine("k", "text-embedding-3-small", server.URL)
	require.NoError(t, err)
	assert.Equal(t, 1536, e.Dimensions())

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
	assert.Equal(t, []string{"a", "b"}, got.Input)
	assert.Equal(t, "text-embedding-3-small", got.Model)
}

func TestOpenAIEngineError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer server.Close()

	e, _ := NewOpenAIEngine("k", "", server.URL)
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestOllamaEngine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		json.NewDecoder(r.Body).Decode(&req)
		v := float32(len(req.Prompt))
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{v, 1}})
	}))
	defer server.Close()

	e, _ := NewOllamaEngine(server.URL, "nomic-embed-text")
	assert.Equal(t, 0, e.Dimensions(), "unknown before the first request")
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "abc"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, 2, e.Dimensions())
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(3), vecs[1][0])
	assert.False(t, math.IsNaN(float64(vecs[1][1])))
}

func TestParseTaskType(t *testing.T) {
	assert.Equal(t, "RETRIEVAL_QUERY", parseTaskType(""))
	assert.Equal(t, "RETRIEVAL_DOCUMENT", parseTaskType("RETRIEVAL_DOCUMENT"))
	assert.Equal(t, "SEMANTIC_SIMILARITY", parseTaskType("other"))
}

func TestGenAIDimensions(t *testing.T) {
	assert.Equal(t, 3072, genaiDimensions("gemini-embedding-001"))
	assert.Equal(t, 768, genaiDimensions("text-embedding-004"))
	assert.Equal(t, 0, genaiDimensions("gemini-embedding-exp"))
}
