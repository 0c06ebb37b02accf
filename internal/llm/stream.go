package llm

import (
	"context"
	"strings"
	"sync"
)

// Usage is the token count of one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Stream carries the text fragments of one response from the backend
// goroutine to a single consumer. The chunk channel is closed when the
// response ends; Err reports whether it ended early.
type Stream struct {
	chunks chan string
	done   chan struct{}

	mu    sync.Mutex
	err   error
	text  strings.Builder
	usage Usage
}

func newStream() *Stream {
	return &Stream{
		chunks: make(chan string, 100),
		done:   make(chan struct{}),
	}
}

// Chunks returns the fragment channel.
func (s *Stream) Chunks() <-chan string {
	return s.chunks
}

// Wait blocks until the stream ends and returns its error.
func (s *Stream) Wait() error {
	<-s.done
	return s.Err()
}

// Err returns the error that aborted the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Text returns the raw response received so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Usage returns the token counts reported by the provider.
func (s *Stream) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// send delivers a fragment, returning false if ctx ended first.
func (s *Stream) send(ctx context.Context, chunk string) bool {
	if chunk == "" {
		return true
	}
	s.mu.Lock()
	s.text.WriteString(chunk)
	s.mu.Unlock()

	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) addUsage(u Usage) {
	s.mu.Lock()
	s.usage.InputTokens += u.InputTokens
	s.usage.OutputTokens += u.OutputTokens
	s.mu.Unlock()
}

// finish records err and closes the stream. It must be called exactly once.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.chunks)
	close(s.done)
}

// NewStaticStream returns a finished stream that yields the given fragments
// followed by err. It is useful for tests and replaying stored responses.
func NewStaticStream(fragments []string, err error) *Stream {
	s := &Stream{
		chunks: make(chan string, len(fragments)),
		done:   make(chan struct{}),
	}
	for _, f := range fragments {
		s.text.WriteString(f)
		s.chunks <- f
	}
	s.finish(err)
	return s
}
