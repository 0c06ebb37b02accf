package main

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/NERVsystems/letterchat/internal/chat"
	"github.com/NERVsystems/letterchat/internal/config"
	"github.com/NERVsystems/letterchat/internal/embedding"
	"github.com/NERVsystems/letterchat/internal/feedback"
	"github.com/NERVsystems/letterchat/internal/letter"
	"github.com/NERVsystems/letterchat/internal/llm"
	"github.com/NERVsystems/letterchat/internal/prompt"
	"github.com/NERVsystems/letterchat/internal/retrieval"
)

// app is the wired set of components a command runs against.
type app struct {
	orch     *chat.Orchestrator
	prompts  *prompt.Store
	feedback feedback.Sink
	closers  []io.Closer
}

// Close releases databases opened for the app.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// newApp builds the orchestrator and its collaborators from cfg.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{prompts: prompt.NewStore()}
	if err := a.prompts.Load(cfg.Prompt.Path); err != nil {
		return nil, err
	}

	backend, err := llm.NewBackend(llm.Config{
		Provider:          cfg.LLM.Provider,
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		MaxToolIterations: cfg.LLM.MaxToolIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM backend: %w", err)
	}

	var retriever *retrieval.Retriever
	if cfg.Retrieval.Mode != string(chat.ModeOff) {
		retriever, err = a.newRetriever(cfg, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	sink, err := a.newFeedbackSink(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.feedback = sink

	a.orch = chat.NewOrchestrator(chat.Config{
		Backend:     backend,
		Sessions:    chat.NewSessionManager(),
		Prompts:     a.prompts,
		Retriever:   retriever,
		Feedback:    sink,
		Mode:        chat.RetrievalMode(cfg.Retrieval.Mode),
		Placeholder: cfg.Letter.Placeholder,
		Policy:      letter.ParsePolicy(cfg.Letter.Unterminated),
		CompactAt:   cfg.Chat.CompactAt,
		Logger:      logger,
	})

	logger.Info("letterchat ready",
		zap.String("provider", backend.Name()),
		zap.String("model", backend.Model()),
		zap.String("retrieval", cfg.Retrieval.Mode),
		zap.String("feedback", cfg.Feedback.Backend))
	return a, nil
}

// embeddingConfig maps the config section to an engine config. taskType
// overrides the configured task type when set.
func embeddingConfig(cfg *config.Config, taskType string) embedding.Config {
	ec := embedding.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		APIKey:   cfg.Embedding.APIKey,
		BaseURL:  cfg.Embedding.BaseURL,
		TaskType: cfg.Embedding.TaskType,
	}
	if taskType != "" {
		ec.TaskType = taskType
	}
	return ec
}

func newEngine(cfg *config.Config, taskType string) (embedding.Engine, error) {
	engine, err := embedding.NewEngine(embeddingConfig(cfg, taskType))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}
	return engine, nil
}

func (a *app) newRetriever(cfg *config.Config, logger *zap.Logger) (*retrieval.Retriever, error) {
	engine, err := newEngine(cfg, "")
	if err != nil {
		return nil, err
	}

	var searcher retrieval.Searcher
	switch cfg.Retrieval.Backend {
	case "local":
		idx, err := retrieval.OpenLocalIndex(cfg.Retrieval.IndexPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, idx)
		searcher = idx
	default:
		qc, err := retrieval.NewQdrantClient(cfg.Retrieval.QdrantURL, cfg.Retrieval.QdrantAPIKey)
		if err != nil {
			return nil, err
		}
		searcher = qc
	}

	return retrieval.NewRetriever(engine, searcher, retrieval.Options{
		Collections: cfg.Retrieval.Collections,
		Limit:       cfg.Retrieval.Limit,
		Threshold:   cfg.Retrieval.Threshold,
	}, logger), nil
}

func (a *app) newFeedbackSink(cfg *config.Config) (feedback.Sink, error) {
	switch cfg.Feedback.Backend {
	case "directus":
		return feedback.NewDirectusSink(cfg.Feedback.DirectusURL, cfg.Feedback.Collection, cfg.Feedback.DirectusToken)
	case "sqlite":
		s, err := feedback.OpenSQLiteSink(cfg.Feedback.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s)
		return s, nil
	default:
		return feedback.NopSink{}, nil
	}
}
