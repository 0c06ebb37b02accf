package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"

	"github.com/NERVsystems/letterchat/internal/chat"
	"github.com/NERVsystems/letterchat/internal/feedback"
	"github.com/NERVsystems/letterchat/internal/llm"
)

type sessionInfo struct {
	ID           string        `json:"id"`
	Created      time.Time     `json:"created"`
	Messages     []llm.Message `json:"messages"`
	Letters      []string      `json:"letters"`
	LastResponse string        `json:"last_response"`
	LastTokens   int           `json:"last_tokens"`
	TotalTokens  int           `json:"total_tokens"`
}

type usageInfo struct {
	Tokens int `json:"tokens"`
	Limit  int `json:"limit"`
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	sess, err := s.orch.Sessions().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.orch.Sessions().Create()
	s.logger.Debug("Session created", zap.String("session", sess.ID))
	writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": s.orch.Sessions().List()})
}

func newSessionInfo(sess *chat.Session) sessionInfo {
	return sessionInfo{
		ID:           sess.ID,
		Created:      sess.Created,
		Messages:     sess.Messages(),
		Letters:      sess.Letters(),
		LastResponse: sess.LastResponse(),
		LastTokens:   sess.LastTokens(),
		TotalTokens:  sess.TotalTokens(),
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSessionInfo(sess))
}

// handlePutSession opens the session under a client-chosen id, so a client
// can resume a conversation without first calling POST /api/sessions.
func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	sess := s.orch.Sessions().GetOrCreate(r.PathValue("id"))
	writeJSON(w, http.StatusOK, newSessionInfo(sess))
}

// handleDeleteSession clears a session, or forgets it entirely when
// purge=true is given.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	if r.URL.Query().Get("purge") == "true" {
		err = s.orch.Sessions().Remove(id)
	} else {
		err = s.orch.Sessions().Reset(id)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLetter(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	letter, ok := sess.LatestLetter()
	if !ok {
		writeError(w, http.StatusNotFound, "no letter drafted yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"letter": letter})
}

// handleGetContext returns the raw conversation history the next exchange
// will send upstream.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	data, err := sess.MessagesJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleAddContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	sess.AddSystemMessage(strings.TrimSpace(req.Content))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, usageInfo{Tokens: sess.LastTokens(), Limit: s.orch.Backend().ContextLimit()})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := s.orch.Compact(r.Context(), sess.ID); err != nil {
		s.logger.Error("Compaction failed", zap.String("session", sess.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usageInfo{Tokens: sess.LastTokens(), Limit: s.orch.Backend().ContextLimit()})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var rating feedback.Rating
	if err := json.NewDecoder(r.Body).Decode(&rating); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	err := s.orch.Rate(r.Context(), r.PathValue("id"), rating)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, feedback.ErrInvalidRating):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, feedback.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("Rating failed", zap.String("feedback", r.PathValue("id")), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

type textEvent struct {
	Text string `json:"text"`
}

type errorEvent struct {
	Error string `json:"error"`
}

// handleChat runs one exchange and streams it as server-sent events:
// "visible" and "letter" while the reply arrives, then "done" with the
// result, or "error" if the response was cut short.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, chat.ErrEmptyQuery.Error())
		return
	}

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	p := &ssePresenter{session: stream, logger: s.logger}

	_, err = s.orch.Exchange(r.Context(), sess.ID, req.Message, p)
	if err != nil && r.Context().Err() == nil {
		p.send("error", errorEvent{Error: err.Error()})
	}
}

// ssePresenter writes exchange updates to an SSE session. After the first
// write error further events are dropped.
type ssePresenter struct {
	session *sse.Session
	logger  *zap.Logger
	failed  bool
}

func (p *ssePresenter) Visible(text string) { p.send("visible", textEvent{Text: text}) }
func (p *ssePresenter) Letter(text string) { p.send("letter", textEvent{Text: text}) }
func (p *ssePresenter) Done(res chat.Result) { p.send("done", res) }

func (p *ssePresenter) send(event string, v any) {
	if p.failed {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("Failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	msg := &sse.Message{Type: sse.Type(event)}
	msg.AppendData(string(data))
	err = p.session.Send(msg)
	if err == nil {
		err = p.session.Flush()
	}
	if err != nil {
		p.failed = true
		p.logger.Debug("Client went away", zap.Error(err))
	}
}
