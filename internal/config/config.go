// Package config loads the agentrun configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/martinemde/toolloop/agentloop"
)

// Prefix is prepended to every variable name.
const Prefix = "AGENT_"

// Config is the process configuration.
type Config struct {
	Provider string `env:"PROVIDER" envDefault:"openai" validate:"required"`
	Model    string `env:"MODEL"`
	APIKey   string `env:"API_KEY"`
	BaseURL  string `env:"BASE_URL" validate:"omitempty,url"`

	MaxIterations      int    `env:"MAX_ITERATIONS" envDefault:"10" validate:"gte=1"`
	ParallelTools      bool   `env:"PARALLEL_TOOLS"`
	MaxToolRetries     int    `env:"MAX_TOOL_RETRIES" envDefault:"0" validate:"gte=0"`
	ContinueOnError    bool   `env:"CONTINUE_ON_ERROR" envDefault:"true"`
	MaxToolResultBytes int    `env:"MAX_TOOL_RESULT_BYTES" envDefault:"30000" validate:"gte=0"`
	LoopWindow         int    `env:"LOOP_WINDOW" envDefault:"10" validate:"gte=0"`
	ModelRetries       int    `env:"MODEL_RETRIES" envDefault:"2" validate:"gte=0"`
	Workspace          string `env:"WORKSPACE" envDefault:"."`
	AllowWrites        bool   `env:"ALLOW_WRITES"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from the given variables instead of the
// process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return load(env.Options{Prefix: Prefix, Environment: vars})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// AgentConfig converts the loop settings to an agentloop.Config.
func (c Config) AgentConfig() agentloop.Config {
	ac := agentloop.DefaultConfig()
	ac.MaxIterations = c.MaxIterations
	ac.RunToolsInParallel = c.ParallelTools
	ac.MaxToolRetries = c.MaxToolRetries
	ac.ContinueOnError = c.ContinueOnError
	ac.MaxToolResultBytes = c.MaxToolResultBytes
	ac.LoopDetectionWindow = c.LoopWindow
	return ac
}

// Level returns the slog level named by LogLevel.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
