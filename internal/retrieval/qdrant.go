package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// QdrantClient searches collections through the Qdrant REST API.
type QdrantClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewQdrantClient creates a client for the Qdrant server at baseURL.
func NewQdrantClient(baseURL, apiKey string) (*QdrantClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	return &QdrantClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type qdrantSearchRequest struct {
	Vector         []float32 `json:"vector"`
	Limit          int       `json:"limit"`
	WithPayload    bool      `json:"with_payload"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
}

type qdrantSearchResponse struct {
	Result []struct {
		ID      json.RawMessage `json:"id"`
		Score   float64         `json:"score"`
		Payload map[string]any  `json:"payload"`
	} `json:"result"`
	Status any `json:"status"`
}

// Search runs a vector search on collection.
func (c *QdrantClient) Search(ctx context.Context, collection string, vector []float32, limit int, threshold float64) ([]Document, error) {
	req := qdrantSearchRequest{Vector: vector, Limit: limit, WithPayload: true}
	if threshold > 0 {
		req.ScoreThreshold = &threshold
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + "/collections/" + url.PathEscape(collection) + "/points/search"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("qdrant returned status %d: %s", resp.StatusCode, string(raw))
	}

	var result qdrantSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	docs := make([]Document, 0, len(result.Result))
	for _, p := range result.Result {
		docs = append(docs, Document{
			ID:         strings.Trim(string(p.ID), `"`),
			Collection: collection,
			Score:      p.Score,
			Text:       payloadString(p.Payload, "text"),
			Source:     payloadString(p.Payload, "file_source", "source", "url"),
			Payload:    p.Payload,
		})
	}
	return docs, nil
}

// payloadString returns the first string value found under keys.
func payloadString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok {
			return s
		}
	}
	return ""
}
