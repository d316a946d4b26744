package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML config at path, expands {{.VAR}} env placeholders,
// merges in built-in defaults, applies env-variable overrides, and
// validates. An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// run with defaults
		case err != nil:
			return nil, &LoadError{Path: path, Err: err}
		default:
			expanded, err := expandEnv(data)
			if err != nil {
				return nil, &LoadError{Path: path, Err: err}
			}
			if err := yaml.Unmarshal(expanded, cfg); err != nil {
				return nil, &LoadError{Path: path, Err: err}
			}
		}
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the core engine knobs be tuned without a config
// file. DATABASE_URL selects the Postgres store.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	overrideInt("MAX_MESSAGES", &cfg.Engine.MaxMessages)
	overrideInt("SUMMARY_THRESHOLD", &cfg.Engine.SummaryThreshold)
	overrideInt("MAX_STEPS", &cfg.Engine.MaxSteps)
	overrideInt("MAX_ATTEMPTS", &cfg.Engine.MaxAttempts)
	overrideSeconds("TOOL_TIMEOUT_SEC", &cfg.Engine.ToolTimeout)
	overrideSeconds("LLM_TIMEOUT_SEC", &cfg.LLM.Timeout)
}

func overrideInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideSeconds(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c *Config) Validate() error {
	if c.Engine.MaxMessages < 3 {
		return &ValidationError{Field: "engine.max_messages", Reason: "must be at least 3"}
	}
	if c.Engine.SummaryThreshold >= c.Engine.MaxMessages {
		return &ValidationError{Field: "engine.summary_threshold", Reason: "must be below engine.max_messages"}
	}
	if c.Engine.SummaryThreshold < 2 {
		return &ValidationError{Field: "engine.summary_threshold", Reason: "must be at least 2"}
	}
	if c.Engine.MaxSteps < 1 {
		return &ValidationError{Field: "engine.max_steps", Reason: "must be positive"}
	}
	if c.Engine.MaxAttempts < 1 {
		return &ValidationError{Field: "engine.max_attempts", Reason: "must be positive"}
	}
	if c.Engine.ToolTimeout <= 0 {
		return &ValidationError{Field: "engine.tool_timeout", Reason: "must be positive"}
	}
	if c.Engine.RetryFactor < 1 {
		return &ValidationError{Field: "engine.retry_factor", Reason: "must be at least 1"}
	}
	if c.LLM.Model == "" {
		return &ValidationError{Field: "llm.model", Reason: "must not be empty"}
	}
	if c.LLM.Timeout <= 0 {
		return &ValidationError{Field: "llm.timeout", Reason: "must be positive"}
	}
	if c.Server.Addr == "" {
		return &ValidationError{Field: "server.addr", Reason: "must not be empty"}
	}
	return nil
}
