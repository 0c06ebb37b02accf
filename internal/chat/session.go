// Package chat runs question/answer exchanges against an LLM backend and
// keeps per-conversation state.
package chat

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NERVsystems/letterchat/internal/llm"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session holds the state of one conversation.
// History lives in memory only and is lost on restart.
type Session struct {
	ID      string
	Created time.Time

	mu           sync.RWMutex
	messages     []llm.Message
	letters      []string
	lastResponse string
	lastTokens   int
	totalTokens  int
}

// NewSession creates an empty session with a fresh id.
func NewSession() *Session {
	return &Session{
		ID:       uuid.NewString(),
		Created:  time.Now(),
		messages: make([]llm.Message, 0),
	}
}

// Messages returns a copy of the session's conversation history.
func (s *Session) Messages() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]llm.Message, len(s.messages))
	copy(result, s.messages)
	return result
}

// MessagesJSON returns the session's conversation history as JSON.
func (s *Session) MessagesJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.MarshalIndent(s.messages, "", "  ")
}

// AddExchange commits one finished exchange: the user and assistant
// messages, the letter if there is one, and the token count. The pair is
// appended under one lock so concurrent exchanges never interleave.
func (s *Session) AddExchange(query, response string, letter *string, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages,
		llm.Message{Role: "user", Content: query},
		llm.Message{Role: "assistant", Content: response})
	if letter != nil {
		s.letters = append(s.letters, *letter)
	}
	s.lastResponse = response
	s.lastTokens = tokens
	s.totalTokens += tokens
}

// AddSystemMessage puts a system message in front of the history.
func (s *Session) AddSystemMessage(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]llm.Message{{Role: "system", Content: content}}, s.messages...)
}

// ReplaceMessages swaps the whole history, e.g. for a summary.
func (s *Session) ReplaceMessages(msgs []llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(make([]llm.Message, 0, len(msgs)), msgs...)
}

// Letters returns every letter drafted in this session, oldest first.
func (s *Session) Letters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.letters...)
}

// LatestLetter returns the most recent letter, if any.
func (s *Session) LatestLetter() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.letters) == 0 {
		return "", false
	}
	return s.letters[len(s.letters)-1], true
}

// LastResponse returns the last response for this session.
func (s *Session) LastResponse() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResponse
}

// LastTokens returns the token count from the last response.
func (s *Session) LastTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTokens
}

// TotalTokens returns cumulative token count for this session.
func (s *Session) TotalTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalTokens
}

// SetTokens updates the token counts for this session.
func (s *Session) SetTokens(last, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTokens = last
	s.totalTokens = total
}

// Reset clears the session's conversation history and letters.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]llm.Message, 0)
	s.letters = nil
	s.lastResponse = ""
	s.lastTokens = 0
	s.totalTokens = 0
}

// SessionManager maps ids to sessions.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Create starts a new session.
func (sm *SessionManager) Create() *Session {
	s := NewSession()
	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()
	return s
}

// GetOrCreate returns the session for id, creating one under that id if
// necessary. An empty id always creates a new session.
func (sm *SessionManager) GetOrCreate(id string) *Session {
	if id == "" {
		return sm.Create()
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[id]; ok {
		return s
	}
	s := NewSession()
	s.ID = id
	sm.sessions[id] = s
	return s
}

// Get returns the session for id.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove removes the session for id.
func (sm *SessionManager) Remove(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(sm.sessions, id)
	return nil
}

// Reset clears the session for id but keeps it.
func (sm *SessionManager) Reset(id string) error {
	s, err := sm.Get(id)
	if err != nil {
		return err
	}
	s.Reset()
	return nil
}

// List returns all session ids, oldest session first.
func (sm *SessionManager) List() []string {
	sm.mu.RLock()
	all := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		all = append(all, s)
	}
	sm.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Created.Before(all[j].Created) })
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.ID
	}
	return ids
}
