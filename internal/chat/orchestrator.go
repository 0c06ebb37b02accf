package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/NERVsystems/letterchat/internal/feedback"
	"github.com/NERVsystems/letterchat/internal/letter"
	"github.com/NERVsystems/letterchat/internal/llm"
	"github.com/NERVsystems/letterchat/internal/logging"
	"github.com/NERVsystems/letterchat/internal/prompt"
	"github.com/NERVsystems/letterchat/internal/retrieval"
)

var (
	// ErrUpstreamAbort wraps backend failures that ended a response early.
	ErrUpstreamAbort = errors.New("upstream aborted the response")
	// ErrEmptyQuery is returned for blank questions.
	ErrEmptyQuery = errors.New("query is empty")
)

// RetrievalMode selects how documents reach the model.
type RetrievalMode string

const (
	// ModePrompt retrieves documents up front and renders them into the
	// system prompt.
	ModePrompt RetrievalMode = "prompt"
	// ModeTool lets the model call the search tool itself.
	ModeTool RetrievalMode = "tool"
	// ModeOff disables retrieval.
	ModeOff RetrievalMode = "off"
)

const summaryPrompt = "Summarize this conversation concisely, preserving key facts, decisions, and context needed to continue:\n\n"

// Presenter receives the two output channels of an exchange.
type Presenter interface {
	// Visible is called with the reply text to display, placeholder included
	// while a letter is being composed.
	Visible(text string)
	// Letter is called with the letter draft received so far.
	Letter(text string)
	// Done is called once with the final result, also after an abort.
	Done(result Result)
}

// PresenterFuncs adapts plain functions to a Presenter. Nil fields are
// skipped.
type PresenterFuncs struct {
	OnVisible func(string)
	OnLetter  func(string)
	OnDone    func(Result)
}

func (p PresenterFuncs) Visible(text string) {
	if p.OnVisible != nil {
		p.OnVisible(text)
	}
}

func (p PresenterFuncs) Letter(text string) {
	if p.OnLetter != nil {
		p.OnLetter(text)
	}
}

func (p PresenterFuncs) Done(r Result) {
	if p.OnDone != nil {
		p.OnDone(r)
	}
}

// Result is the outcome of one exchange.
type Result struct {
	SessionID string                   `json:"session_id"`
	Query     string                   `json:"query"`
	Exchange  letter.CompletedExchange `json:"exchange"`
	// FeedbackID identifies the stored record; empty if nothing was stored.
	FeedbackID string               `json:"feedback_id,omitempty"`
	Documents  []retrieval.Document `json:"documents,omitempty"`
	Usage      llm.Usage            `json:"usage"`
}

// Config wires an Orchestrator.
type Config struct {
	Backend  llm.Backend
	Sessions *SessionManager
	Prompts  *prompt.Store
	// Retriever may be nil, which disables retrieval.
	Retriever *retrieval.Retriever
	Feedback  feedback.Sink
	Mode      RetrievalMode

	Placeholder string
	Policy      letter.Policy
	// CompactAt is the fraction of the context window that triggers
	// summarizing the history before the next exchange. Zero disables it.
	CompactAt float64

	Logger *zap.Logger
}

// Orchestrator runs exchanges: retrieval, prompt rendering, streaming
// through the letter splitter, history and feedback.
type Orchestrator struct {
	backend   llm.Backend
	sessions  *SessionManager
	prompts   *prompt.Store
	retriever *retrieval.Retriever
	feedback  feedback.Sink
	mode      RetrievalMode

	placeholder string
	policy      letter.Policy
	compactAt   float64

	logger *zap.Logger
}

// NewOrchestrator creates an Orchestrator from cfg.
func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		backend:     cfg.Backend,
		sessions:    cfg.Sessions,
		prompts:     cfg.Prompts,
		retriever:   cfg.Retriever,
		feedback:    cfg.Feedback,
		mode:        cfg.Mode,
		placeholder: cfg.Placeholder,
		policy:      cfg.Policy,
		compactAt:   cfg.CompactAt,
		logger:      logging.OrNop(cfg.Logger),
	}
	if o.sessions == nil {
		o.sessions = NewSessionManager()
	}
	if o.prompts == nil {
		o.prompts = prompt.NewStore()
	}
	if o.feedback == nil {
		o.feedback = feedback.NopSink{}
	}
	if o.mode == "" {
		o.mode = ModePrompt
	}
	if o.retriever == nil {
		o.mode = ModeOff
	}
	if o.placeholder == "" {
		o.placeholder = letter.DefaultPlaceholder
	}
	return o
}

// Sessions returns the session manager.
func (o *Orchestrator) Sessions() *SessionManager { return o.sessions }

// Backend returns the LLM backend.
func (o *Orchestrator) Backend() llm.Backend { return o.backend }

// Exchange answers query in the given session, streaming updates to p.
// History is extended only when the response completes normally. When the
// backend fails mid-stream the partial result is returned with an error
// wrapping ErrUpstreamAbort; when ctx ends it is returned with ctx.Err().
func (o *Orchestrator) Exchange(ctx context.Context, sessionID, query string, p Presenter) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, ErrEmptyQuery
	}
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return Result{}, err
	}
	if p == nil {
		p = PresenterFuncs{}
	}
	logger := o.logger.With(zap.String("session", sess.ID))

	if o.shouldCompact(sess) {
		if err := o.Compact(ctx, sess.ID); err != nil {
			logger.Warn("History compaction failed", zap.Error(err))
		}
	}

	result := Result{SessionID: sess.ID, Query: query}

	var (
		docsMu   sync.Mutex
		toolDocs []retrieval.Document
		tools    llm.ToolExecutor
	)
	switch o.mode {
	case ModePrompt:
		docs, err := o.retriever.Search(ctx, query, 0)
		if err != nil {
			logger.Warn("Retrieval failed, answering without documents", zap.Error(err))
		}
		result.Documents = docs
	case ModeTool:
		st := retrieval.NewSearchTool(o.retriever)
		st.OnResult = func(docs []retrieval.Document) {
			docsMu.Lock()
			toolDocs = append(toolDocs, docs...)
			docsMu.Unlock()
		}
		tools = st
	}

	system, err := o.prompts.Render(prompt.Data{
		Query:     query,
		Documents: result.Documents,
		Tools:     o.mode == ModeTool,
	})
	if err != nil {
		return result, err
	}

	stream, err := o.backend.StreamWithHistory(ctx, llm.Request{
		System:  system,
		History: sess.Messages(),
		Prompt:  query,
		Tools:   tools,
	})
	if err != nil {
		return result, fmt.Errorf("start stream: %w", err)
	}

	logger.Debug("Streaming response", zap.String("model", o.backend.Model()), zap.String("mode", string(o.mode)))

	splitter := letter.NewSplitter(letter.WithPlaceholder(o.placeholder), letter.WithPolicy(o.policy))
	var (
		shownVisible, shownLetter string
		letterShown               bool
	)
	exchange, drainErr := splitter.Drain(ctx, stream.Chunks(), func(u letter.Update) {
		if r := u.Rendered(); r != shownVisible {
			shownVisible = r
			p.Visible(r)
		}
		if u.HasLetter && (!letterShown || u.Letter != shownLetter) {
			shownLetter, letterShown = u.Letter, true
			p.Letter(u.Letter)
		}
	})
	// The final text drops the placeholder and any held-back characters.
	if exchange.Visible != shownVisible {
		p.Visible(exchange.Visible)
	}
	if exchange.HasLetter() && (!letterShown || exchange.LetterText() != shownLetter) {
		p.Letter(exchange.LetterText())
	}

	result.Exchange = exchange
	docsMu.Lock()
	result.Documents = append(result.Documents, toolDocs...)
	docsMu.Unlock()

	if drainErr != nil {
		logger.Info("Exchange cancelled", zap.Error(drainErr))
		p.Done(result)
		return result, drainErr
	}
	if err := stream.Wait(); err != nil {
		logger.Warn("Upstream aborted the response", zap.Error(err))
		p.Done(result)
		return result, fmt.Errorf("%w: %w", ErrUpstreamAbort, err)
	}

	result.Usage = stream.Usage()
	sess.AddExchange(query, stream.Text(), exchange.Letter, result.Usage.Total())

	id, err := o.feedback.Record(ctx, feedback.Record{
		SessionID: sess.ID,
		Query:     query,
		Visible:   exchange.Visible,
		Letter:    exchange.Letter,
		Model:     o.backend.Model(),
	})
	if err != nil {
		logger.Warn("Failed to record feedback", zap.Error(err))
	}
	result.FeedbackID = id

	logger.Info("Exchange complete",
		zap.Bool("letter", exchange.HasLetter()),
		zap.Bool("terminated", exchange.Terminated),
		zap.Int("documents", len(result.Documents)),
		zap.Int("tokens", result.Usage.Total()))

	p.Done(result)
	return result, nil
}

// Rate attaches a star rating and comment to a stored exchange.
func (o *Orchestrator) Rate(ctx context.Context, feedbackID string, rating feedback.Rating) error {
	if err := rating.Validate(); err != nil {
		return err
	}
	if feedbackID == "" {
		return feedback.ErrNotFound
	}
	return o.feedback.Rate(ctx, feedbackID, rating)
}

func (o *Orchestrator) shouldCompact(sess *Session) bool {
	if o.compactAt <= 0 {
		return false
	}
	last := sess.LastTokens()
	if last == 0 {
		return false
	}
	return float64(last) >= o.compactAt*float64(o.backend.ContextLimit())
}

// Compact summarizes the session history into a single system message to
// reduce token usage. Short histories are left alone.
func (o *Orchestrator) Compact(ctx context.Context, sessionID string) error {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	msgs := sess.Messages()
	if len(msgs) < 4 {
		return nil
	}

	var conversation strings.Builder
	for _, msg := range msgs {
		if msg.Role == "system" {
			continue
		}
		fmt.Fprintf(&conversation, "%s: %s\n\n", msg.Role, msg.Content)
	}

	stream, err := o.backend.StreamWithHistory(ctx, llm.Request{Prompt: summaryPrompt + conversation.String()})
	if err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}
	for range stream.Chunks() {
	}
	if err := stream.Wait(); err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}

	sess.ReplaceMessages([]llm.Message{{Role: "system", Content: "Previous conversation summary: " + stream.Text()}})
	usage := stream.Usage()
	sess.SetTokens(usage.Total(), usage.Total())
	o.logger.Info("Compacted session history",
		zap.String("session", sess.ID),
		zap.Int("messages", len(msgs)),
		zap.Int("tokens", usage.Total()))
	return nil
}
