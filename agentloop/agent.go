package agentloop

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/martinemde/toolloop/streamparts"
	"github.com/martinemde/toolloop/toolexec"
	"github.com/martinemde/toolloop/unifiedllm"
)

// Config holds the loop configuration.
type Config struct {
	// MaxIterations bounds the number of model calls in one run.
	MaxIterations int `json:"max_iterations" validate:"gte=1"`

	RunToolsInParallel bool `json:"run_tools_in_parallel"`

	// MaxToolRetries is the number of extra attempts a tool call gets after
	// an unexpected failure.
	MaxToolRetries int `json:"max_tool_retries" validate:"gte=0"`

	// ContinueOnError turns unknown tools and declared tool failures into
	// error results fed back to the model. When false they abort the run.
	// Retry exhaustion always aborts.
	ContinueOnError bool `json:"continue_on_error"`

	// Limits on tool output fed back to the model (0 = unlimited). The step
	// trace keeps the full output.
	MaxToolResultBytes int            `json:"max_tool_result_bytes" validate:"gte=0"`
	MaxToolResultLines int            `json:"max_tool_result_lines" validate:"gte=0"`
	TruncationMode     TruncationMode `json:"truncation_mode,omitempty" validate:"omitempty,oneof=head_tail tail"`

	// LoopDetectionWindow is the number of most recent tool calls checked
	// for a repeating pattern (0 disables detection).
	LoopDetectionWindow int `json:"loop_detection_window" validate:"gte=0"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   10,
		ContinueOnError: true,
		TruncationMode:  TruncateHeadTail,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid agent loop config: %w", err)
	}
	return nil
}

// Agent runs the tool-calling loop against a model. An Agent holds no
// per-run state and may be used by concurrent runs.
type Agent struct {
	model    unifiedllm.LanguageModel
	registry *toolexec.Registry
	config   Config
	callOpts *unifiedllm.CallOptions
	logger   *slog.Logger
	events   *EventEmitter
}

// Option configures an Agent.
type Option func(*Agent)

// WithTools registers tools with the agent.
func WithTools(tools ...toolexec.ExecutableTool) Option {
	return func(a *Agent) {
		a.registry.Register(tools...)
	}
}

// WithRegistry adds every tool of r to the agent.
func WithRegistry(r *toolexec.Registry) Option {
	return func(a *Agent) {
		if r != nil {
			a.registry.MergeFrom(r)
		}
	}
}

// WithConfig sets the loop configuration.
func WithConfig(cfg Config) Option {
	return func(a *Agent) {
		a.config = cfg
	}
}

// WithCallOptions sets the options passed to every model call. Tool
// definitions from the registry are appended to opts.Tools.
func WithCallOptions(opts *unifiedllm.CallOptions) Option {
	return func(a *Agent) {
		a.callOpts = opts.Clone()
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithEvents sets the emitter that receives run events.
func WithEvents(e *EventEmitter) Option {
	return func(a *Agent) {
		a.events = e
	}
}

// New creates an Agent for model.
func New(model unifiedllm.LanguageModel, opts ...Option) (*Agent, error) {
	if model == nil {
		return nil, errors.New("agentloop: model is required")
	}
	a := &Agent{
		model:    model,
		registry: toolexec.NewRegistry(),
		config:   DefaultConfig(),
		callOpts: &unifiedllm.CallOptions{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.config.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Config returns the agent's loop configuration.
func (a *Agent) Config() Config { return a.config }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *toolexec.Registry { return a.registry }

// RunText runs the loop to completion and returns the final text.
func (a *Agent) RunText(ctx context.Context, messages []unifiedllm.Message) (*Result, error) {
	run, err := a.RunTextWithSteps(ctx, messages)
	if err != nil {
		return nil, err
	}
	return run.Result, nil
}

// RunTextWithSteps runs the loop and also returns the per-step trace.
func (a *Agent) RunTextWithSteps(ctx context.Context, messages []unifiedllm.Message) (*RunWithSteps, error) {
	return a.run(ctx, messages, a.callOptions(a.callOpts))
}

// StreamText streams a single model call through the delta reconstructor.
// Tools are advertised to the model but not executed. Cancel ctx to release
// the model stream when abandoning the sequence early.
func (a *Agent) StreamText(ctx context.Context, messages []unifiedllm.Message) (iter.Seq2[streamparts.Part, error], error) {
	events, err := a.model.StreamText(ctx, cloneMessages(messages), a.callOptions(a.callOpts))
	if err != nil {
		return nil, err
	}
	return streamparts.Reconstruct(ctx, events), nil
}

// callOptions returns a copy of base with the registry's tool definitions
// appended.
func (a *Agent) callOptions(base *unifiedllm.CallOptions) *unifiedllm.CallOptions {
	opts := base.Clone()
	if a.registry.Len() > 0 {
		opts.Tools = append(opts.Tools, a.registry.Definitions()...)
		if opts.ToolChoice == nil {
			opts.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
		}
	}
	return opts
}

// run is the core loop: call the model, execute requested tools, append the
// results, repeat.
func (a *Agent) run(ctx context.Context, initial []unifiedllm.Message, opts *unifiedllm.CallOptions) (*RunWithSteps, error) {
	runID := uuid.NewString()
	logger := a.logger.With("run_id", runID)
	ev := runEvents{emitter: a.events, runID: runID}
	cfg := a.config

	start := time.Now()
	ev.emit(EventRunStart, 0, map[string]any{"messages": len(initial), "tools": a.registry.Len()})
	logger.Info("agent.run.start", "max_iterations", cfg.MaxIterations, "tools", a.registry.Len())

	fail := func(iteration int, err error) (*RunWithSteps, error) {
		ev.emit(EventError, iteration, map[string]any{"error": err.Error()})
		logger.Error("agent.run.error", "iteration", iteration, "error", err.Error())
		return nil, err
	}

	messages := cloneMessages(initial)
	steps := make([]Step, 0, cfg.MaxIterations)
	loops := loopDetector{window: cfg.LoopDetectionWindow}
	var (
		runWarnings []unifiedllm.Warning
		total       unifiedllm.Usage
	)

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return fail(iteration, err)
		}
		ev.emit(EventStepStart, iteration, nil)

		resp, err := a.model.GenerateText(ctx, messages, opts)
		if err != nil {
			return fail(iteration, err)
		}
		if resp == nil {
			return fail(iteration, fmt.Errorf("agentloop: model returned no response at iteration %d", iteration))
		}
		total = total.Add(resp.Usage)

		calls := resp.ToolCalls()
		logger.Debug("agent.step.model",
			"iteration", iteration,
			"tool_calls", len(calls),
			"finish_reason", resp.FinishReason.Reason,
			"output_tokens", resp.Usage.OutputTokens,
		)

		if len(calls) == 0 {
			steps = append(steps, Step{Iteration: iteration, Response: resp})
			ev.emit(EventStepEnd, iteration, map[string]any{"tool_calls": 0})

			result := &Result{
				Text:       resp.Text(),
				Usage:      resp.Usage,
				TotalUsage: total,
				Warnings:   append(append([]unifiedllm.Warning(nil), resp.Warnings...), runWarnings...),
				Response:   resp,
			}
			ev.emit(EventRunEnd, iteration, map[string]any{"steps": len(steps)})
			logger.Info("agent.run.complete",
				"steps", len(steps),
				"duration_ms", time.Since(start).Milliseconds(),
				"total_tokens", total.TotalTokens,
			)
			return &RunWithSteps{Result: result, Steps: steps}, nil
		}

		records, err := a.executeTools(ctx, calls, ev, iteration, logger)
		if err != nil {
			return fail(iteration, err)
		}

		assistant := resp.Message.Clone()
		if assistant.Role == "" {
			assistant.Role = unifiedllm.RoleAssistant
		}
		messages = append(messages, assistant)
		for _, rec := range records {
			messages = append(messages, unifiedllm.ToolResultMessage(truncateResult(rec.ToolResult(), cfg)))
		}
		steps = append(steps, Step{Iteration: iteration, Response: resp, ToolExecutions: records})
		ev.emit(EventStepEnd, iteration, map[string]any{"tool_calls": len(calls)})

		loops.observe(calls)
		if loops.detected() {
			msg := fmt.Sprintf("the last %d tool calls follow a repeating pattern", cfg.LoopDetectionWindow)
			if len(runWarnings) == 0 {
				runWarnings = append(runWarnings, unifiedllm.Warning{Code: "loop_detected", Message: msg})
			}
			ev.emit(EventLoopDetection, iteration, map[string]any{"message": msg})
			logger.Warn("agent.loop.detected", "iteration", iteration, "window", cfg.LoopDetectionWindow)
		}
	}

	return fail(cfg.MaxIterations, &IterationLimitError{MaxIterations: cfg.MaxIterations, Steps: steps})
}

// executeTools runs the calls of one step under the configured policy.
func (a *Agent) executeTools(ctx context.Context, calls []unifiedllm.ToolCall, ev runEvents, iteration int, logger *slog.Logger) ([]toolexec.Record, error) {
	coord := toolexec.NewCoordinator(a.registry,
		toolexec.WithLogger(logger.With("iteration", iteration)),
		toolexec.WithHooks(toolexec.Hooks{
			OnStart: func(call unifiedllm.ToolCall) {
				ev.emit(EventToolCallStart, iteration, map[string]any{"tool_name": call.Name, "call_id": call.ID})
			},
			OnEnd: func(rec toolexec.Record) {
				data := map[string]any{
					"tool_name": rec.Call.Name,
					"call_id":   rec.Call.ID,
					"attempts":  rec.Attempts,
				}
				if rec.Outcome.OK() {
					data["output"] = string(rec.Outcome.Result)
				} else {
					data["error"] = rec.Outcome.Message
				}
				ev.emit(EventToolCallEnd, iteration, data)
			},
		}),
	)

	policy := toolexec.Config{
		RunToolsInParallel: a.config.RunToolsInParallel,
		MaxRetries:         a.config.MaxToolRetries,
	}
	if a.config.ContinueOnError {
		return coord.ExecuteAll(ctx, calls, policy)
	}
	return coord.ExecuteBatch(ctx, calls, toolexec.BatchConfig{Config: policy})
}

func cloneMessages(msgs []unifiedllm.Message) []unifiedllm.Message {
	out := make([]unifiedllm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
