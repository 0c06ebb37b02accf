package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// DefaultMaxToolIterations bounds the request/tool round trips of one response.
const DefaultMaxToolIterations = 10

// Tool describes a function the model may call.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object.
	Parameters json.RawMessage
}

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolExecutor offers tools to the model and runs the calls it makes.
type ToolExecutor interface {
	Tools() []Tool
	Execute(ctx context.Context, call ToolCall) (string, error)
}

// SplitArguments splits a tool argument string that may hold several JSON
// objects back to back, as some models emit when batching calls.
func SplitArguments(args string) []json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return []json.RawMessage{json.RawMessage("{}")}
	}

	var out []json.RawMessage
	dec := json.NewDecoder(strings.NewReader(args))
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Let the tool report the malformed input.
			if len(out) == 0 {
				return []json.RawMessage{json.RawMessage(args)}
			}
			break
		}
		out = append(out, raw)
	}
	return out
}
