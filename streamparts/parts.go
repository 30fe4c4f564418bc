// Package streamparts turns the low-level events of a streaming model call
// into a framed sequence of parts suitable for rendering: text is bracketed by
// start and end markers, tool-call arguments stream per call id, and a single
// Finish part carries the authoritative result.
package streamparts

import "github.com/martinemde/toolloop/unifiedllm"

// Kind describes the kind of a Part.
type Kind string

const (
	KindTextStart      Kind = "text_start"
	KindTextDelta      Kind = "text_delta"
	KindTextEnd        Kind = "text_end"
	KindThinkingDelta  Kind = "thinking_delta"
	KindToolInputStart Kind = "tool_input_start"
	KindToolInputDelta Kind = "tool_input_delta"
	KindToolInputEnd   Kind = "tool_input_end"
	KindToolCallFinal  Kind = "tool_call_final"
	KindFinish         Kind = "finish"
)

// Part is one element of a reconstructed stream. The set of variants is
// closed; switch on the concrete type.
type Part interface {
	partKind() Kind
}

// KindOf returns the kind of p.
func KindOf(p Part) Kind { return p.partKind() }

// TextStart opens the text channel. It precedes the first TextDelta.
type TextStart struct{}

func (TextStart) partKind() Kind { return KindTextStart }

// TextDelta is a non-empty fragment of assistant text.
type TextDelta struct {
	Text string
}

func (TextDelta) partKind() Kind { return KindTextDelta }

// TextEnd closes the text channel and carries the accumulated text.
type TextEnd struct {
	Text string
}

func (TextEnd) partKind() Kind { return KindTextEnd }

// ThinkingDelta is a fragment of model reasoning. Thinking has no framing.
type ThinkingDelta struct {
	Text string
}

func (ThinkingDelta) partKind() Kind { return KindThinkingDelta }

// ToolInputStart opens the argument stream of one tool call.
type ToolInputStart struct {
	ID       string
	ToolName string
}

func (ToolInputStart) partKind() Kind { return KindToolInputStart }

// ToolInputDelta is a fragment of a tool call's JSON arguments.
type ToolInputDelta struct {
	ID    string
	Delta string
}

func (ToolInputDelta) partKind() Kind { return KindToolInputDelta }

// ToolInputEnd closes the argument stream of one tool call. Arguments is the
// concatenation of every fragment seen for ID.
type ToolInputEnd struct {
	ID        string
	Arguments string
}

func (ToolInputEnd) partKind() Kind { return KindToolInputEnd }

// ToolCallFinal carries a tool call exactly as the completion reported it.
type ToolCallFinal struct {
	Call unifiedllm.ToolCall
}

func (ToolCallFinal) partKind() Kind { return KindToolCallFinal }

// Finish is the last part of every successful stream.
type Finish struct {
	Result FinishResult
}

func (Finish) partKind() Kind { return KindFinish }

// FinishResult is the complete result of a streamed call, taken from the
// completion event.
type FinishResult struct {
	Text         string
	Thinking     string
	ToolCalls    []unifiedllm.ToolCall
	FinishReason unifiedllm.FinishReason
	Usage        unifiedllm.Usage
	Warnings     []unifiedllm.Warning
	Metadata     unifiedllm.ResponseMetadata
	Response     *unifiedllm.Response
	Raw          any
}

func finishResult(resp *unifiedllm.Response) FinishResult {
	return FinishResult{
		Text:         resp.Text(),
		Thinking:     resp.Reasoning(),
		ToolCalls:    resp.ToolCalls(),
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Warnings:     resp.Warnings,
		Metadata:     resp.TypedMetadata(),
		Response:     resp,
		Raw:          resp.Raw,
	}
}
