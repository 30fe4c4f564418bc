package unifiedllm

// StreamEvent is a single low-level event delivered by a streaming model call.
// The set of variants is closed: TextChunk, ThinkingChunk, ToolCallChunk,
// Completion and StreamError.
type StreamEvent interface {
	streamEvent()
}

// TextChunk is a fragment of assistant text. Providers may deliver empty
// fragments.
type TextChunk struct {
	Text string
}

// ThinkingChunk is a fragment of model reasoning.
type ThinkingChunk struct {
	Text string
}

// ToolCallChunk is a fragment of a tool call's arguments. ID is stable across
// every fragment of the same call. Name is only required on the first fragment.
type ToolCallChunk struct {
	ID             string
	Name           string
	ArgumentsDelta string
}

// Completion is the terminal event of a stream. Response is the
// authoritative final result, independent of how fragments were split.
type Completion struct {
	Response *Response
}

// StreamError reports a transport or provider failure. No further events
// follow it.
type StreamError struct {
	Err error
}

func (TextChunk) streamEvent()     {}
func (ThinkingChunk) streamEvent() {}
func (ToolCallChunk) streamEvent() {}
func (Completion) streamEvent()    {}
func (StreamError) streamEvent()   {}
