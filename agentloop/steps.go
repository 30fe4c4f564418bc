package agentloop

import (
	"fmt"

	"github.com/martinemde/toolloop/toolexec"
	"github.com/martinemde/toolloop/unifiedllm"
)

// Step is one round trip of a run: a model call and the tool executions it
// requested. Iterations of a run are numbered 1..k without gaps.
type Step struct {
	Iteration      int                  `json:"iteration"`
	Response       *unifiedllm.Response `json:"response"`
	ToolExecutions []toolexec.Record    `json:"tool_executions,omitempty"`
}

// ToolCalls returns the tool calls the model requested in this step.
func (s Step) ToolCalls() []unifiedllm.ToolCall {
	if s.Response == nil {
		return nil
	}
	return s.Response.ToolCalls()
}

// Result is the outcome of a text run.
type Result struct {
	Text string

	// Usage is the usage of the final model call.
	Usage unifiedllm.Usage

	// TotalUsage sums usage over every model call of the run.
	TotalUsage unifiedllm.Usage

	Warnings []unifiedllm.Warning
	Response *unifiedllm.Response
}

// RunWithSteps pairs a result with the per-step trace of the run.
type RunWithSteps struct {
	Result *Result
	Steps  []Step
}

// ObjectResult is the outcome of a structured-output run.
type ObjectResult[T any] struct {
	Object     T
	Text       string
	Usage      unifiedllm.Usage
	TotalUsage unifiedllm.Usage
	Warnings   []unifiedllm.Warning
	Response   *unifiedllm.Response
}

// ObjectRunWithSteps pairs an object result with the per-step trace.
type ObjectRunWithSteps[T any] struct {
	Result *ObjectResult[T]
	Steps  []Step
}

// IterationLimitError reports that the model still requested tools on the
// final allowed iteration. Steps holds the full trace.
type IterationLimitError struct {
	MaxIterations int
	Steps         []Step
}

func (e *IterationLimitError) Error() string {
	pending := 0
	if n := len(e.Steps); n > 0 {
		pending = len(e.Steps[n-1].ToolCalls())
	}
	return fmt.Sprintf("agent loop reached %d iteration(s) with %d tool call(s) still requested", e.MaxIterations, pending)
}
