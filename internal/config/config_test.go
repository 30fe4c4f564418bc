package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.True(t, cfg.ContinueOnError)
	assert.False(t, cfg.ParallelTools)
	assert.Equal(t, slog.LevelInfo, cfg.Level())

	ac := cfg.AgentConfig()
	require.NoError(t, ac.Validate())
	assert.Equal(t, 10, ac.MaxIterations)
	assert.Equal(t, 30000, ac.MaxToolResultBytes)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"AGENT_PROVIDER":          " Anthropic ",
		"AGENT_MODEL":             "claude-sonnet-4-5",
		"AGENT_MAX_ITERATIONS":    "3",
		"AGENT_PARALLEL_TOOLS":    "true",
		"AGENT_MAX_TOOL_RETRIES":  "2",
		"AGENT_CONTINUE_ON_ERROR": "false",
		"AGENT_LOG_LEVEL":         "DEBUG",
	})
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, slog.LevelDebug, cfg.Level())

	ac := cfg.AgentConfig()
	assert.Equal(t, 3, ac.MaxIterations)
	assert.True(t, ac.RunToolsInParallel)
	assert.Equal(t, 2, ac.MaxToolRetries)
	assert.False(t, ac.ContinueOnError)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"zero iterations":  {"AGENT_MAX_ITERATIONS": "0"},
		"negative retries": {"AGENT_MAX_TOOL_RETRIES": "-1"},
		"bad level":        {"AGENT_LOG_LEVEL": "loud"},
		"bad base url":     {"AGENT_BASE_URL": "not a url"},
		"not a number":     {"AGENT_MAX_ITERATIONS": "many"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(vars)
			assert.Error(t, err)
		})
	}
}
