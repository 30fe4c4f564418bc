package agentloop

import (
	"context"

	"github.com/martinemde/toolloop/unifiedllm"
)

// RunObject runs the loop with structured output and decodes the final text
// with spec. Decoding failures are *unifiedllm.StructuredOutputParseError and
// carry the raw text.
func RunObject[T any](ctx context.Context, a *Agent, messages []unifiedllm.Message, spec unifiedllm.OutputSpec[T]) (*ObjectResult[T], error) {
	run, err := RunObjectWithSteps(ctx, a, messages, spec)
	if err != nil {
		return nil, err
	}
	return run.Result, nil
}

// RunObjectWithSteps is RunObject that also returns the per-step trace.
func RunObjectWithSteps[T any](ctx context.Context, a *Agent, messages []unifiedllm.Message, spec unifiedllm.OutputSpec[T]) (*ObjectRunWithSteps[T], error) {
	msgs, opts, err := unifiedllm.WithObjectMode(spec, messages, a.callOpts)
	if err != nil {
		return nil, err
	}
	run, err := a.run(ctx, msgs, a.callOptions(opts))
	if err != nil {
		return nil, err
	}

	res := run.Result
	obj, err := spec.Decode(res.Text)
	if err != nil {
		a.logger.Warn("agent.object.decode_failed", "error", err.Error())
		return nil, err
	}
	return &ObjectRunWithSteps[T]{
		Result: &ObjectResult[T]{
			Object:     obj,
			Text:       res.Text,
			Usage:      res.Usage,
			TotalUsage: res.TotalUsage,
			Warnings:   res.Warnings,
			Response:   res.Response,
		},
		Steps: run.Steps,
	}, nil
}
