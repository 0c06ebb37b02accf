// Package config loads letterchat configuration from YAML, .env files and
// the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all letterchat configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Letter    LetterConfig    `yaml:"letter"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Chat      ChatConfig      `yaml:"chat"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the chat-completion backend.
type LLMConfig struct {
	Provider          string  `yaml:"provider"` // openai, anthropic, ollama
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	MaxToolIterations int     `yaml:"max_tool_iterations"`
	Timeout           string  `yaml:"timeout"`
}

// EmbeddingConfig configures the query embedding engine.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // openai, genai, ollama
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	TaskType string `yaml:"task_type"`
}

// RetrievalConfig configures document retrieval.
type RetrievalConfig struct {
	// Mode is "prompt" (retrieve before asking), "tool" (let the model
	// search) or "off".
	Mode        string   `yaml:"mode"`
	Backend     string   `yaml:"backend"` // qdrant, local
	Collections []string `yaml:"collections"`
	Limit       int      `yaml:"limit"`
	Threshold   float64  `yaml:"threshold"`

	QdrantURL    string `yaml:"qdrant_url"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`
	IndexPath    string `yaml:"index_path"`
}

// FeedbackConfig configures where finished exchanges are logged.
type FeedbackConfig struct {
	Backend       string `yaml:"backend"` // directus, sqlite, none
	DirectusURL   string `yaml:"directus_url"`
	DirectusToken string `yaml:"directus_token"`
	Collection    string `yaml:"collection"`
	Path          string `yaml:"path"`
}

// LetterConfig configures the letter splitter.
type LetterConfig struct {
	Placeholder string `yaml:"placeholder"`
	// Unterminated is "keep" or "drop".
	Unterminated string `yaml:"unterminated"`
}

// PromptConfig configures the system prompt template.
type PromptConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// ChatConfig configures conversation handling.
type ChatConfig struct {
	// CompactAt is the fraction of the context window at which session
	// history is summarized. Zero disables automatic compaction.
	CompactAt float64 `yaml:"compact_at"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string  `yaml:"addr"`
	RateLimit       float64 `yaml:"rate_limit"` // chat requests per second per client
	Burst           int     `yaml:"burst"`
	ShutdownTimeout string  `yaml:"shutdown_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:          "openai",
			Model:             "gpt-4o",
			Temperature:       0.2,
			MaxToolIterations: 10,
			Timeout:           "5m",
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-large",
		},
		Retrieval: RetrievalConfig{
			Mode:        "prompt",
			Backend:     "qdrant",
			Collections: []string{"kft_documents"},
			Limit:       3,
			IndexPath:   "letterchat.db",
		},
		Feedback: FeedbackConfig{
			Backend:    "none",
			Collection: "kft_bot",
			Path:       "feedback.db",
		},
		Letter: LetterConfig{
			Placeholder:  "Skriver brev...",
			Unterminated: "keep",
		},
		Chat: ChatConfig{
			CompactAt: 0.8,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       1,
			Burst:           5,
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a YAML file, then applies .env and
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	// A .env file is optional; variables already set win.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes configuration to a YAML file. The file holds API keys, so it
// is readable by the owner only, even if it existed before.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to restrict config permissions: %w", err)
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	out.LLM.APIKey = mask(c.LLM.APIKey)
	out.Embedding.APIKey = mask(c.Embedding.APIKey)
	out.Retrieval.QdrantAPIKey = mask(c.Retrieval.QdrantAPIKey)
	out.Feedback.DirectusToken = mask(c.Feedback.DirectusToken)
	return &out
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
			c.LLM.APIKey = key
		}
		if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.LLM.Provider == "anthropic" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.Embedding.Provider == "genai" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = key
	}

	if url := os.Getenv("QDRANT_URL"); url != "" {
		c.Retrieval.QdrantURL = url
	}
	if key := os.Getenv("QDRANT_API_KEY"); key != "" {
		c.Retrieval.QdrantAPIKey = key
	}
	if url := os.Getenv("DIRECTUS_URL"); url != "" {
		c.Feedback.DirectusURL = url
		if c.Feedback.Backend == "none" {
			c.Feedback.Backend = "directus"
		}
	}
	if token := os.Getenv("DIRECTUS_TOKEN"); token != "" {
		c.Feedback.DirectusToken = token
	}

	if model := os.Getenv("LETTERCHAT_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if addr := os.Getenv("LETTERCHAT_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

// GetLLMTimeout returns the LLM request timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetShutdownTimeout returns the graceful shutdown timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

var (
	// ValidProviders lists the supported chat-completion providers.
	ValidProviders = []string{"openai", "anthropic", "ollama"}
	// ValidEmbeddingProviders lists the supported embedding providers.
	ValidEmbeddingProviders = []string{"openai", "genai", "ollama"}
	// ValidRetrievalModes lists the supported retrieval modes.
	ValidRetrievalModes = []string{"prompt", "tool", "off"}
	// ValidFeedbackBackends lists the supported feedback sinks.
	ValidFeedbackBackends = []string{"directus", "sqlite", "none"}
)

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !slices.Contains(ValidProviders, c.LLM.Provider) {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set OPENAI_API_KEY or ANTHROPIC_API_KEY)")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("invalid temperature: %v (must be between 0.0 and 2.0)", c.LLM.Temperature)
	}

	if !slices.Contains(ValidRetrievalModes, c.Retrieval.Mode) {
		return fmt.Errorf("invalid retrieval mode: %s (valid: %v)", c.Retrieval.Mode, ValidRetrievalModes)
	}
	if c.Retrieval.Mode != "off" {
		if err := c.validateRetrieval(); err != nil {
			return err
		}
	}

	if !slices.Contains(ValidFeedbackBackends, c.Feedback.Backend) {
		return fmt.Errorf("invalid feedback backend: %s (valid: %v)", c.Feedback.Backend, ValidFeedbackBackends)
	}
	if c.Feedback.Backend == "directus" && c.Feedback.DirectusURL == "" {
		return fmt.Errorf("directus feedback requires a URL (set DIRECTUS_URL)")
	}

	if u := c.Letter.Unterminated; u != "" && u != "keep" && u != "drop" {
		return fmt.Errorf("invalid letter.unterminated: %s (valid: keep, drop)", u)
	}
	if c.Chat.CompactAt < 0 || c.Chat.CompactAt > 1 {
		return fmt.Errorf("invalid chat.compact_at: %v (must be between 0 and 1)", c.Chat.CompactAt)
	}
	return nil
}

func (c *Config) validateRetrieval() error {
	if c.Retrieval.Mode == "tool" && c.LLM.Provider != "openai" {
		return fmt.Errorf("retrieval mode 'tool' requires the openai provider")
	}
	if !slices.Contains(ValidEmbeddingProviders, c.Embedding.Provider) {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidEmbeddingProviders)
	}
	if len(c.Retrieval.Collections) == 0 {
		return fmt.Errorf("retrieval requires at least one collection")
	}
	switch c.Retrieval.Backend {
	case "qdrant":
		if c.Retrieval.QdrantURL == "" {
			return fmt.Errorf("qdrant retrieval requires a URL (set QDRANT_URL)")
		}
	case "local":
		if c.Retrieval.IndexPath == "" {
			return fmt.Errorf("local retrieval requires retrieval.index_path")
		}
	default:
		return fmt.Errorf("invalid retrieval backend: %s (valid: qdrant, local)", c.Retrieval.Backend)
	}
	return nil
}
