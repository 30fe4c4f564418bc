package toolexec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/toolloop/unifiedllm"
)

// Config is the execution policy for one step.
type Config struct {
	// RunToolsInParallel launches every call of the step at once. Otherwise
	// calls run one at a time in call order.
	RunToolsInParallel bool

	// MaxRetries is the number of extra attempts after an unexpected
	// failure. Each call gets MaxRetries+1 attempts in total.
	MaxRetries int
}

// BatchConfig is the policy of ExecuteBatch.
type BatchConfig struct {
	Config

	// ContinueOnError attempts every call and records failures. When false,
	// execution stops at the first failing call.
	ContinueOnError bool
}

// Hooks observe call execution. Under parallel execution they are invoked
// from multiple goroutines.
type Hooks struct {
	OnStart func(call unifiedllm.ToolCall)
	OnEnd   func(rec Record)
}

// Coordinator executes tool calls against a registry.
type Coordinator struct {
	registry *Registry
	logger   *slog.Logger
	hooks    Hooks
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHooks sets execution hooks.
func WithHooks(h Hooks) Option {
	return func(c *Coordinator) {
		c.hooks = h
	}
}

// NewCoordinator creates a Coordinator for registry. A nil registry is
// treated as empty.
func NewCoordinator(registry *Registry, opts ...Option) *Coordinator {
	if registry == nil {
		registry = NewRegistry()
	}
	c := &Coordinator{
		registry: registry,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteAll runs calls and returns one record per call, in call order.
// Unknown tools and declared failures become failure records. A call that
// exhausts its retry budget is fatal: ExecuteAll returns the records up to
// and including it together with a *ToolExecutionError.
func (c *Coordinator) ExecuteAll(ctx context.Context, calls []unifiedllm.ToolCall, cfg Config) ([]Record, error) {
	return c.execute(ctx, calls, cfg, func(r Record) error {
		if r.Outcome.Kind == FailureExhausted {
			return failureError(r)
		}
		return nil
	})
}

// ExecuteBatch runs calls under cfg. With ContinueOnError every failure,
// retry exhaustion included, is recorded and execution continues. Without
// it, ExecuteBatch returns the records up to and including the first failure
// in call order, along with an *UnknownToolError, a *ToolExecutionError or
// the tool's declared error.
func (c *Coordinator) ExecuteBatch(ctx context.Context, calls []unifiedllm.ToolCall, cfg BatchConfig) ([]Record, error) {
	return c.execute(ctx, calls, cfg.Config, func(r Record) error {
		if cfg.ContinueOnError || r.Outcome.OK() {
			return nil
		}
		return failureError(r)
	})
}

// execute runs calls and applies stop to the records in call order. Under
// parallel execution every call runs to completion before stop is applied.
func (c *Coordinator) execute(ctx context.Context, calls []unifiedllm.ToolCall, cfg Config, stop func(Record) error) ([]Record, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("toolexec: negative retry budget %d", cfg.MaxRetries)
	}

	start := time.Now()
	defer func() {
		c.logger.Debug("tool.batch.complete",
			"count", len(calls),
			"parallel", cfg.RunToolsInParallel,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	if !cfg.RunToolsInParallel || len(calls) == 1 {
		records := make([]Record, 0, len(calls))
		for _, call := range calls {
			rec, err := c.executeOne(ctx, call, cfg.MaxRetries)
			if err != nil {
				return records, err
			}
			records = append(records, rec)
			if err := stop(rec); err != nil {
				return records, err
			}
		}
		return records, nil
	}

	records := make([]Record, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			rec, err := c.executeOne(gctx, call, cfg.MaxRetries)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, rec := range records {
		if err := stop(rec); err != nil {
			return records[:i+1], err
		}
	}
	return records, nil
}

// executeOne resolves a single call, retries included. The error is non-nil
// only when ctx is done.
func (c *Coordinator) executeOne(ctx context.Context, call unifiedllm.ToolCall, maxRetries int) (Record, error) {
	rec := Record{Call: call}
	if err := ctx.Err(); err != nil {
		return rec, err
	}

	if c.hooks.OnStart != nil {
		c.hooks.OnStart(call)
	}
	c.logger.Debug("tool.call.start", "tool", call.Name, "call_id", call.ID)

	start := time.Now()
	tool, ok := c.registry.Get(call.Name)
	if !ok {
		rec.Outcome = failure(FailureUnknownTool, &UnknownToolError{Tool: call.Name, CallID: call.ID})
		c.finish(&rec, start)
		return rec, nil
	}

	budget := maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		rec.Attempts = attempt
		result, err := c.attempt(ctx, tool, call)
		if err == nil {
			encoded, encErr := encodeResult(result)
			if encErr != nil {
				rec.Outcome = failure(FailureDeclared, &ToolError{Message: "result is not JSON-encodable", Cause: encErr})
			} else {
				rec.Outcome = success(encoded)
			}
			c.finish(&rec, start)
			return rec, nil
		}

		if IsDeclared(err) {
			rec.Outcome = failure(FailureDeclared, err)
			c.finish(&rec, start)
			return rec, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rec, ctxErr
		}

		lastErr = err
		if attempt < budget {
			c.logger.Warn("tool.call.retry",
				"tool", call.Name,
				"call_id", call.ID,
				"attempt", attempt,
				"error", err.Error(),
			)
		}
	}

	rec.Outcome = failure(FailureExhausted, lastErr)
	c.finish(&rec, start)
	return rec, nil
}

func (c *Coordinator) attempt(ctx context.Context, tool ExecutableTool, call unifiedllm.ToolCall) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
			c.logger.Error("tool.call.panic", "tool", call.Name, "call_id", call.ID, "recover", r)
		}
	}()
	return tool.Execute(ctx, call.Arguments)
}

func (c *Coordinator) finish(rec *Record, start time.Time) {
	rec.Duration = time.Since(start)
	attrs := []any{
		"tool", rec.Call.Name,
		"call_id", rec.Call.ID,
		"attempts", rec.Attempts,
		"duration_ms", rec.Duration.Milliseconds(),
		"status", string(rec.Outcome.Status),
	}
	if !rec.Outcome.OK() {
		attrs = append(attrs, "kind", string(rec.Outcome.Kind), "error", rec.Outcome.Message)
	}
	c.logger.Info("tool.call.executed", attrs...)
	if c.hooks.OnEnd != nil {
		c.hooks.OnEnd(*rec)
	}
}
