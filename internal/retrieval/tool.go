package retrieval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NERVsystems/letterchat/internal/llm"
)

// SearchToolName is the function name offered to the model.
const SearchToolName = "search_knowledge"

var searchToolSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "The user's search query or input text."},
    "limit": {"type": "integer", "description": "Maximum number of passages to return.", "minimum": 1, "maximum": 10}
  },
  "required": ["query"]
}`)

// SearchTool lets the model query the knowledge base while it answers.
type SearchTool struct {
	retriever *Retriever
	// OnResult, if set, receives every document set returned to the model.
	OnResult func([]Document)
}

// NewSearchTool wraps r as a tool executor.
func NewSearchTool(r *Retriever) *SearchTool {
	return &SearchTool{retriever: r}
}

// Tools implements llm.ToolExecutor.
func (t *SearchTool) Tools() []llm.Tool {
	return []llm.Tool{{
		Name:        SearchToolName,
		Description: "Search the municipality knowledge base for passages relevant to the question.",
		Parameters:  searchToolSchema,
	}}
}

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type toolResult struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Execute implements llm.ToolExecutor.
func (t *SearchTool) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	if call.Name != SearchToolName {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	var args searchArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	if args.Limit <= 0 || args.Limit > 10 {
		args.Limit = t.retriever.Limit()
	}

	docs, err := t.retriever.Search(ctx, args.Query, args.Limit)
	if err != nil {
		return "", err
	}
	if t.OnResult != nil {
		t.OnResult(docs)
	}

	results := make([]toolResult, 0, len(docs))
	for _, d := range docs {
		payload := d.Payload
		if payload == nil {
			payload = map[string]any{"text": d.Text, "file_source": d.Source}
		}
		results = append(results, toolResult{Score: d.Score, Payload: payload})
	}
	out, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
