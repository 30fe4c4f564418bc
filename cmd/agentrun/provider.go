package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/martinemde/toolloop/internal/config"
	"github.com/martinemde/toolloop/unifiedllm"
	anthropicprovider "github.com/martinemde/toolloop/unifiedllm/providers/anthropic"
	gollmprovider "github.com/martinemde/toolloop/unifiedllm/providers/gollm"
	openaiprovider "github.com/martinemde/toolloop/unifiedllm/providers/openai"
)

// newModel builds a client routing to the configured provider. openai and
// anthropic use their native SDKs; any other name goes through gollm.
func newModel(cfg config.Config, logger *slog.Logger) (*unifiedllm.Client, error) {
	var adapter unifiedllm.ProviderAdapter
	switch cfg.Provider {
	case "openai":
		var opts []func(*openaiprovider.Options)
		if cfg.APIKey != "" {
			opts = append(opts, openaiprovider.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openaiprovider.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, openaiprovider.WithModel(cfg.Model))
		}
		adapter = openaiprovider.New(opts...)
	case "anthropic":
		adapter = anthropicprovider.New(func(o *anthropicprovider.Options) {
			o.APIKey = cfg.APIKey
		})
	default:
		var opts []gollmprovider.Option
		if cfg.APIKey != "" {
			opts = append(opts, gollmprovider.WithAPIKey(cfg.APIKey))
		}
		if cfg.Model != "" {
			opts = append(opts, gollmprovider.WithModel(cfg.Model))
		}
		a, err := gollmprovider.New(cfg.Provider, opts...)
		if err != nil {
			return nil, fmt.Errorf("create %s provider: %w", cfg.Provider, err)
		}
		adapter = a
	}

	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = cfg.ModelRetries
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("model.call.retry", "provider", adapter.Name(), "attempt", attempt, "delay", delay, "error", err)
	}

	return unifiedllm.NewClient(
		unifiedllm.WithProvider(adapter.Name(), adapter),
		unifiedllm.WithDefaultProvider(adapter.Name()),
		unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(policy)),
	), nil
}
