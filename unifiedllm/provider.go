package unifiedllm

import "context"

// CallOptions carries per-call generation settings. A nil *CallOptions means
// provider defaults.
type CallOptions struct {
	Provider        string
	Model           string
	Tools           []ToolDefinition
	ToolChoice      *ToolChoice
	ResponseFormat  *ResponseFormat
	Temperature     *float64
	TopP            *float64
	MaxTokens       *int
	StopSequences   []string
	ReasoningEffort string
	Metadata        map[string]string
	ProviderOptions map[string]any
}

// Clone returns a copy of o whose slices can be appended to without
// affecting o. Clone of nil returns an empty CallOptions.
func (o *CallOptions) Clone() *CallOptions {
	if o == nil {
		return &CallOptions{}
	}
	out := *o
	out.Tools = append([]ToolDefinition(nil), o.Tools...)
	out.StopSequences = append([]string(nil), o.StopSequences...)
	return &out
}

// LanguageModel is the model collaborator used by the agent loop.
type LanguageModel interface {
	// GenerateText performs a blocking call and returns the full response.
	GenerateText(ctx context.Context, messages []Message, opts *CallOptions) (*Response, error)

	// StreamText starts a streaming call. The returned channel is closed after
	// a Completion or StreamError event.
	StreamText(ctx context.Context, messages []Message, opts *CallOptions) (<-chan StreamEvent, error)
}

// ProviderAdapter is a LanguageModel backed by a specific provider.
type ProviderAdapter interface {
	LanguageModel

	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}
