package toolexec

import (
	"encoding/json"
	"time"

	"github.com/martinemde/toolloop/unifiedllm"
)

// Status is the result status of a tool call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// FailureKind distinguishes the reasons a call can fail.
type FailureKind string

const (
	// FailureDeclared is a failure the tool reported deliberately.
	FailureDeclared FailureKind = "declared"
	// FailureUnknownTool means no tool is registered under the call's name.
	FailureUnknownTool FailureKind = "unknown_tool"
	// FailureExhausted means every attempt raised an unexpected error.
	FailureExhausted FailureKind = "exhausted"
)

// Outcome is the typed result of a tool call.
type Outcome struct {
	Status  Status          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
	Kind    FailureKind     `json:"kind,omitempty"`
	Err     error           `json:"-"`
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// Record is produced once per tool call per step.
type Record struct {
	Call     unifiedllm.ToolCall `json:"call"`
	Outcome  Outcome             `json:"outcome"`
	Attempts int                 `json:"attempts"`
	Duration time.Duration       `json:"duration"`
}

// ToolResult converts the record into the tool result fed back to the model.
// Failures carry their message as a JSON string.
func (r Record) ToolResult() unifiedllm.ToolResult {
	content := r.Outcome.Result
	if !r.Outcome.OK() {
		content, _ = json.Marshal(r.Outcome.Message)
	}
	return unifiedllm.ToolResult{
		ToolCallID: r.Call.ID,
		Name:       r.Call.Name,
		Content:    content,
		IsError:    !r.Outcome.OK(),
	}
}

func success(result json.RawMessage) Outcome {
	return Outcome{Status: StatusSuccess, Result: result}
}

func failure(kind FailureKind, err error) Outcome {
	return Outcome{Status: StatusFailure, Message: err.Error(), Kind: kind, Err: err}
}
