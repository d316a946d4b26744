package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Engine.MaxMessages)
	assert.Equal(t, 40, cfg.Engine.SummaryThreshold)
	assert.Equal(t, 40, cfg.Engine.MaxSteps)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Engine.ToolTimeout)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.True(t, cfg.Engine.ResetPlans())
	assert.False(t, cfg.Engine.SkipOnDependencyFailure)
	assert.False(t, cfg.Database.Enabled())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_steps: 10
  reset_on_terminal_plan: false
llm:
  model: gpt-4o-mini
  compression_model: gpt-4o-mini
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Engine.MaxSteps)
	assert.False(t, cfg.Engine.ResetPlans())
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	// untouched fields keep defaults
	assert.Equal(t, 50, cfg.Engine.MaxMessages)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadExpandsEnvPlaceholders(t *testing.T) {
	t.Setenv("MAESTRO_TEST_DB", "postgres://app@db/maestro")
	path := writeConfig(t, `
database:
  url: "{{.MAESTRO_TEST_DB}}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://app@db/maestro", cfg.Database.URL)
}

func TestLoadFailsOnUnsetPlaceholder(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "{{.MAESTRO_DEFINITELY_UNSET}}"
`)
	_, err := Load(path)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAX_MESSAGES", "20")
	t.Setenv("SUMMARY_THRESHOLD", "12")
	t.Setenv("MAX_STEPS", "7")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("TOOL_TIMEOUT_SEC", "15")
	t.Setenv("LLM_TIMEOUT_SEC", "25")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Engine.MaxMessages)
	assert.Equal(t, 12, cfg.Engine.SummaryThreshold)
	assert.Equal(t, 7, cfg.Engine.MaxSteps)
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.Engine.ToolTimeout)
	assert.Equal(t, 25*time.Second, cfg.LLM.Timeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"threshold above cap", func(c *Config) { c.Engine.SummaryThreshold = 60 }, "engine.summary_threshold"},
		{"zero steps", func(c *Config) { c.Engine.MaxSteps = 0 }, "engine.max_steps"},
		{"zero attempts", func(c *Config) { c.Engine.MaxAttempts = 0 }, "engine.max_attempts"},
		{"empty model", func(c *Config) { c.LLM.Model = "" }, "llm.model"},
		{"retry factor below one", func(c *Config) { c.Engine.RetryFactor = 0.5 }, "engine.retry_factor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}
