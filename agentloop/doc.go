// Package agentloop drives the tool-calling agent loop.
//
// An Agent pairs a unifiedllm.LanguageModel with a registry of tools. Each run
// repeatedly calls the model, executes the tool calls it requests through a
// toolexec.Coordinator, appends the assistant message and one tool result
// message per call, and stops when the model answers without tool calls.
//
//	agent, err := agentloop.New(model,
//	    agentloop.WithTools(weather),
//	    agentloop.WithConfig(agentloop.Config{MaxIterations: 5, RunToolsInParallel: true}),
//	)
//	res, err := agent.RunText(ctx, []unifiedllm.Message{unifiedllm.UserMessage("Weather in Paris?")})
//
// RunTextWithSteps and RunObjectWithSteps also return the per-step trace.
// RunObject requests structured output and decodes the final text into T.
// StreamText streams a single model call as streamparts.Part values.
//
// # Failures
//
// Model errors are returned unchanged. A tool call that exhausts its retry
// budget aborts the run with *toolexec.ToolExecutionError. A run whose final
// iteration still requested tools fails with *IterationLimitError.
//
// # Events
//
// When an EventEmitter is supplied, every run emits typed events tagged with
// a per-run id. Events are dropped rather than blocking the loop.
package agentloop
