package config

import "time"

// Config is the root configuration for the maestro service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Engine    EngineConfig    `yaml:"engine"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig controls the HTTP/WebSocket surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// AllowedOrigins restricts WebSocket upgrades. Empty means same-origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig controls the Postgres state store. When URL is empty the
// service runs with the in-memory store.
type DatabaseConfig struct {
	URL      string        `yaml:"url"`
	MaxConns int32         `yaml:"max_conns"`
	MinConns int32         `yaml:"min_conns"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Enabled reports whether a Postgres store should be used.
func (d DatabaseConfig) Enabled() bool { return d.URL != "" }

// LLMConfig selects the model provider and sampling behavior.
type LLMConfig struct {
	Provider string `yaml:"provider"`

	// Model drives the ReAct loop and planning. CompressionModel is used
	// for history summarization and falls back to Model when empty.
	Model            string `yaml:"model"`
	CompressionModel string `yaml:"compression_model"`

	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider endpoint, for OpenAI-compatible
	// gateways and local runtimes.
	BaseURL string `yaml:"base_url"`

	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`

	// MaxRetries bounds retries of transient provider errors per call.
	MaxRetries int `yaml:"max_retries"`
}

// EngineConfig holds the execution-engine knobs.
type EngineConfig struct {
	// MaxMessages caps the conversation history length per session.
	MaxMessages int `yaml:"max_messages"`

	// SummaryThreshold is the history length that triggers LLM compression.
	SummaryThreshold int `yaml:"summary_threshold"`

	// MaxSteps bounds ReAct iterations within a single Execute call.
	MaxSteps int `yaml:"max_steps"`

	// MaxAttempts bounds retries of a single plan item.
	MaxAttempts int `yaml:"max_attempts"`

	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// Tool invocation retry policy for transient failures.
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryFactor      float64       `yaml:"retry_factor"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`

	// SkipOnDependencyFailure marks tasks blocked by a failed dependency as
	// skipped instead of propagating the failure.
	SkipOnDependencyFailure bool `yaml:"skip_on_dependency_failure"`

	// ResetOnTerminalPlan discards a finished plan when a new query arrives,
	// so the next Execute replans. Defaults to true.
	ResetOnTerminalPlan *bool `yaml:"reset_on_terminal_plan"`
}

// ResetPlans resolves the ResetOnTerminalPlan default.
func (e EngineConfig) ResetPlans() bool {
	return e.ResetOnTerminalPlan == nil || *e.ResetOnTerminalPlan
}

// RetentionConfig controls background cleanup of old sessions and events.
type RetentionConfig struct {
	SessionTTL      time.Duration `yaml:"session_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func boolPtr(b bool) *bool { return &b }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns: 10,
			MinConns: 2,
			Timeout:  5 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			APIKeyEnv:   "OPENAI_API_KEY",
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     60 * time.Second,
			MaxRetries:  3,
		},
		Engine: EngineConfig{
			MaxMessages:         50,
			SummaryThreshold:    40,
			MaxSteps:            40,
			MaxAttempts:         3,
			ToolTimeout:         60 * time.Second,
			RetryBase:           2 * time.Second,
			RetryFactor:         2,
			RetryMaxAttempts:    3,
			ResetOnTerminalPlan: boolPtr(true),
		},
		Retention: RetentionConfig{
			SessionTTL:      30 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
	}
}
