// Package config provides the unified configuration for codeward.
// Configuration lives at .codeward/config.yaml inside the workspace and
// every knob has a working default, so a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codeward configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Buffer history
	History HistoryConfig `yaml:"history"`

	// Validation gate
	Validator ValidatorConfig `yaml:"validator"`

	// Chunking
	Chunker ChunkerConfig `yaml:"chunker"`

	// Retrieval index
	Index IndexConfig `yaml:"index"`

	// Session coordination
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// HistoryConfig bounds the per-file snapshot history.
type HistoryConfig struct {
	// MaxDepth is the maximum snapshots kept per file.
	// 0 means unbounded.
	MaxDepth int `yaml:"max_depth"`
}

// ValidatorConfig configures the parse/lint gate.
type ValidatorConfig struct {
	Timeout   string `yaml:"timeout"`    // e.g. "10s"; empty disables the budget
	CacheSize int    `yaml:"cache_size"` // verdict cache entries

	// Lint rules. Per-language toggles win over the globals.
	MaxLineLength      int                      `yaml:"max_line_length"` // 0 disables
	TrailingWhitespace bool                     `yaml:"trailing_whitespace"`
	Languages          map[string]LintRuleSet   `yaml:"languages"`
}

// LintRuleSet overrides lint rules for one language.
type LintRuleSet struct {
	MaxLineLength      *int  `yaml:"max_line_length"`
	TrailingWhitespace *bool `yaml:"trailing_whitespace"`
	MixedIndentation   *bool `yaml:"mixed_indentation"`
}

// ChunkerConfig configures the fallback window chunker.
type ChunkerConfig struct {
	WindowSize int `yaml:"window_size"` // lines per fallback chunk
	Overlap    int `yaml:"overlap"`     // overlapping lines between windows
}

// IndexConfig configures the retrieval index scoring.
type IndexConfig struct {
	LexicalWeight    float64 `yaml:"lexical_weight"`
	SimilarityWeight float64 `yaml:"similarity_weight"`
	PathBonus        float64 `yaml:"path_bonus"`
	DefaultLimit     int     `yaml:"default_limit"` // default k for search
}

// SessionConfig configures the coordinator.
type SessionConfig struct {
	WatchFiles     bool `yaml:"watch_files"`     // detect external edits via fsnotify
	IndexWorkers   int  `yaml:"index_workers"`   // bounded pool for bulk indexing
	SnippetContext int  `yaml:"snippet_context"` // unchanged lines around an edit
}

// LoggingConfig configures the categorized debug logs.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "codeward",
		Version: "0.3.0",

		History: HistoryConfig{
			MaxDepth: 5,
		},

		Validator: ValidatorConfig{
			Timeout:            "10s",
			CacheSize:          256,
			MaxLineLength:      0,
			TrailingWhitespace: true,
		},

		Chunker: ChunkerConfig{
			WindowSize: 50,
			Overlap:    10,
		},

		Index: IndexConfig{
			LexicalWeight:    0.7,
			SimilarityWeight: 0.3,
			PathBonus:        0.1,
			DefaultLimit:     10,
		},

		Session: SessionConfig{
			WatchFiles:     true,
			IndexWorkers:   4,
			SnippetContext: 4,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// DefaultPath returns the config path inside a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".codeward", "config.yaml")
}

// Load reads config from path, falling back to defaults when absent.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODEWARD_HISTORY_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.History.MaxDepth = n
		}
	}
	if v := os.Getenv("CODEWARD_VALIDATION_TIMEOUT"); v != "" {
		c.Validator.Timeout = v
	}
	if v := os.Getenv("CODEWARD_CHUNK_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Chunker.WindowSize = n
		}
	}
	if v := os.Getenv("CODEWARD_CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Chunker.Overlap = n
		}
	}
	if v := os.Getenv("CODEWARD_WATCH_FILES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Session.WatchFiles = b
		}
	}
}

// GetValidationTimeout returns the validation timeout as a duration.
// Zero means no budget.
func (c *Config) GetValidationTimeout() time.Duration {
	if c.Validator.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Validator.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.History.MaxDepth < 0 {
		return fmt.Errorf("history.max_depth must be >= 0, got %d", c.History.MaxDepth)
	}
	if c.Chunker.WindowSize <= 0 {
		return fmt.Errorf("chunker.window_size must be > 0, got %d", c.Chunker.WindowSize)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.WindowSize {
		return fmt.Errorf("chunker.overlap must be in [0, window_size), got %d", c.Chunker.Overlap)
	}
	if c.Index.LexicalWeight < 0 || c.Index.SimilarityWeight < 0 {
		return fmt.Errorf("index weights must be non-negative")
	}
	if c.Index.LexicalWeight+c.Index.SimilarityWeight == 0 {
		return fmt.Errorf("at least one index weight must be positive")
	}
	if c.Session.IndexWorkers <= 0 {
		return fmt.Errorf("session.index_workers must be > 0, got %d", c.Session.IndexWorkers)
	}
	if c.Session.SnippetContext < 0 {
		return fmt.Errorf("session.snippet_context must be >= 0, got %d", c.Session.SnippetContext)
	}
	return nil
}
