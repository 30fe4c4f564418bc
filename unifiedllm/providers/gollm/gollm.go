// Package gollm adapts github.com/teilomillet/gollm to unifiedllm.ProviderAdapter.
//
// gollm exposes a prompt-in, text-out API, so the adapter flattens the
// conversation into a single prompt and recovers tool calls from JSON embedded
// in the reply.
package gollm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	gollmlib "github.com/teilomillet/gollm"

	"github.com/martinemde/toolloop/unifiedllm"
)

// DefaultModels maps provider names to the model used when none is configured.
var DefaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5",
	"ollama":    "llama3.1",
}

// Adapter wraps a gollm.LLM instance and implements unifiedllm.ProviderAdapter.
type Adapter struct {
	provider string
	llm      gollmlib.LLM
	model    string
	counter  func(string) int

	// gollm options are set on the shared LLM, so calls are serialized.
	mu sync.Mutex
}

// Option configures an Adapter.
type Option func(*adapterConfig)

type adapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	counter     func(string) int
	extraOpts   []gollmlib.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) Option {
	return func(c *adapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) Option {
	return func(c *adapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) Option {
	return func(c *adapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) Option {
	return func(c *adapterConfig) {
		c.temperature = t
	}
}

// WithTokenCounter replaces the tiktoken-based counter used for usage estimates.
func WithTokenCounter(fn func(string) int) Option {
	return func(c *adapterConfig) {
		c.counter = fn
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollmlib.ConfigOption) Option {
	return func(c *adapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// New creates an Adapter for the given gollm provider. If no API key is set,
// gollm reads it from the environment.
func New(provider string, opts ...Option) (*Adapter, error) {
	cfg := &adapterConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		model = DefaultModels[provider]
	}
	if model == "" {
		model = DefaultModels["openai"]
	}

	gollmOpts := []gollmlib.ConfigOption{
		gollmlib.SetProvider(provider),
		gollmlib.SetModel(model),
		gollmlib.SetMaxTokens(cfg.maxTokens),
		gollmlib.SetTemperature(cfg.temperature),
		gollmlib.SetMaxRetries(0), // retries belong to unifiedllm.RetryMiddleware
		gollmlib.SetLogLevel(gollmlib.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollmlib.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollmlib.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	a := NewFromLLM(provider, llm)
	a.model = model
	if cfg.counter != nil {
		a.counter = cfg.counter
	}
	return a, nil
}

// NewFromLLM wraps an existing gollm.LLM instance.
func NewFromLLM(provider string, llm gollmlib.LLM) *Adapter {
	return &Adapter{
		provider: provider,
		llm:      llm,
		counter:  tiktokenCounter(),
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return a.provider
}

// GenerateText sends a blocking request and returns the full response.
func (a *Adapter) GenerateText(ctx context.Context, messages []unifiedllm.Message, opts *unifiedllm.CallOptions) (*unifiedllm.Response, error) {
	prompt := translatePrompt(messages, opts)

	a.mu.Lock()
	a.applyCallOptions(opts)
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}

	return a.buildResponse(messages, opts, text), nil
}

// StreamText streams the reply as text chunks followed by a Completion. Tool
// calls are only recovered once the full text is known, so they appear in the
// Completion without preceding ToolCallChunk events.
func (a *Adapter) StreamText(ctx context.Context, messages []unifiedllm.Message, opts *unifiedllm.CallOptions) (<-chan unifiedllm.StreamEvent, error) {
	a.mu.Lock()
	streaming := a.llm.SupportsStreaming()
	a.mu.Unlock()

	ch := make(chan unifiedllm.StreamEvent, 64)

	if !streaming {
		go func() {
			defer close(ch)
			resp, err := a.GenerateText(ctx, messages, opts)
			if err != nil {
				send(ctx, ch, unifiedllm.StreamError{Err: err})
				return
			}
			if text := resp.Text(); text != "" && !send(ctx, ch, unifiedllm.TextChunk{Text: text}) {
				return
			}
			send(ctx, ch, unifiedllm.Completion{Response: resp})
		}()
		return ch, nil
	}

	prompt := translatePrompt(messages, opts)
	a.mu.Lock()
	a.applyCallOptions(opts)
	stream, err := a.llm.Stream(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(ctx, ch, unifiedllm.StreamError{Err: a.translateError(err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			full.WriteString(token.Text)
			if !send(ctx, ch, unifiedllm.TextChunk{Text: token.Text}) {
				return
			}
		}

		send(ctx, ch, unifiedllm.Completion{Response: a.buildResponse(messages, opts, full.String())})
	}()

	return ch, nil
}

// send delivers ev unless ctx is done first. It reports whether ev was sent.
func send(ctx context.Context, ch chan<- unifiedllm.StreamEvent, ev unifiedllm.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// translatePrompt flattens a conversation into a gollm Prompt.
func translatePrompt(messages []unifiedllm.Message, opts *unifiedllm.CallOptions) *gollmlib.Prompt {
	var systemPrompt strings.Builder
	var parts []string

	for _, msg := range messages {
		switch msg.Role {
		case unifiedllm.RoleSystem:
			systemPrompt.WriteString(msg.TextContent())
			systemPrompt.WriteString("\n")
		case unifiedllm.RoleUser:
			parts = append(parts, msg.TextContent())
		case unifiedllm.RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s(%s)", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case unifiedllm.RoleTool:
			for _, part := range msg.Content {
				if part.Kind != unifiedllm.ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result " + part.ToolResult.ToolCallID + "]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error " + part.ToolResult.ToolCallID + "]"
				}
				parts = append(parts, prefix+": "+part.ToolResult.ContentText())
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollmlib.PromptOption
	if sp := strings.TrimSpace(systemPrompt.String()); sp != "" {
		promptOpts = append(promptOpts, gollmlib.WithSystemPrompt(sp, gollmlib.CacheTypeEphemeral))
	}

	if opts != nil {
		if opts.MaxTokens != nil {
			promptOpts = append(promptOpts, gollmlib.WithMaxLength(*opts.MaxTokens))
		}
		if len(opts.Tools) > 0 {
			tools := make([]gollmlib.Tool, 0, len(opts.Tools))
			for _, t := range opts.Tools {
				tools = append(tools, gollmlib.Tool{
					Type: "function",
					Function: gollmlib.Function{
						Name:        t.Name,
						Description: t.Description,
						Parameters:  t.Parameters,
					},
				})
			}
			promptOpts = append(promptOpts, gollmlib.WithTools(tools))
		}
		if opts.ToolChoice != nil {
			promptOpts = append(promptOpts, gollmlib.WithToolChoice(opts.ToolChoice.Mode))
		}
	}

	return gollmlib.NewPrompt(promptText, promptOpts...)
}

// applyCallOptions applies per-call parameters to the gollm LLM.
func (a *Adapter) applyCallOptions(opts *unifiedllm.CallOptions) {
	if opts == nil {
		return
	}
	if opts.Model != "" {
		a.llm.SetOption("model", opts.Model)
	}
	if opts.Temperature != nil {
		a.llm.SetOption("temperature", *opts.Temperature)
	}
	if opts.TopP != nil {
		a.llm.SetOption("top_p", *opts.TopP)
	}
	if opts.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *opts.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *Adapter) buildResponse(messages []unifiedllm.Message, opts *unifiedllm.CallOptions, text string) *unifiedllm.Response {
	model := a.model
	if opts != nil && opts.Model != "" {
		model = opts.Model
	}

	toolCalls := parseToolCalls(text)

	var content []unifiedllm.ContentPart
	if cleaned := removeToolCallJSON(text, toolCalls); cleaned != "" {
		content = append(content, unifiedllm.TextPart(cleaned))
	}
	for _, tc := range toolCalls {
		content = append(content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	finish := unifiedllm.FinishReason{Reason: "stop", Raw: "stop"}
	if len(toolCalls) > 0 {
		finish = unifiedllm.FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	input := a.estimateTokens(messages)
	output := a.count(text)

	return &unifiedllm.Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    model,
		Provider: a.provider,
		Message: unifiedllm.Message{
			Role:    unifiedllm.RoleAssistant,
			Content: content,
		},
		FinishReason: finish,
		Usage: unifiedllm.Usage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
		},
		Warnings: []unifiedllm.Warning{{
			Code:    "estimated_usage",
			Message: "gollm does not report token usage; counts are estimated",
		}},
	}
}

// parseToolCalls extracts tool calls that the model embedded in its reply as
// a JSON array of {"name", "arguments"} objects.
func parseToolCalls(text string) []unifiedllm.ToolCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}

	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &raw); err != nil {
		return nil
	}

	calls := make([]unifiedllm.ToolCall, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, unifiedllm.ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls
}

// removeToolCallJSON strips the parsed tool call JSON from the text.
func removeToolCallJSON(text string, calls []unifiedllm.ToolCall) string {
	if len(calls) == 0 {
		return text
	}
	if idx := strings.Index(text, `[{"name"`); idx != -1 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

// translateError converts a gollm error into the unified error hierarchy.
func (a *Adapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	pe := unifiedllm.ProviderError{
		SDKError: unifiedllm.SDKError{Message: msg, Cause: err},
		Provider: a.provider,
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		pe.StatusCode = 401
		return &unifiedllm.AuthenticationError{ProviderError: pe}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		pe.StatusCode = 403
		return &unifiedllm.AccessDeniedError{ProviderError: pe}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		pe.StatusCode = 404
		return &unifiedllm.NotFoundError{ProviderError: pe}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		pe.StatusCode = 429
		pe.Retryable = true
		return &unifiedllm.RateLimitError{ProviderError: pe}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		pe.StatusCode = 413
		return &unifiedllm.ContextLengthError{ProviderError: pe}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		pe.StatusCode = 500
		pe.Retryable = true
		return &unifiedllm.ServerError{ProviderError: pe}
	case strings.Contains(lower, "timeout"):
		return &unifiedllm.RequestTimeoutError{SDKError: unifiedllm.SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &unifiedllm.ContentFilterError{ProviderError: pe}
	default:
		pe.Retryable = true
		return &pe
	}
}

func (a *Adapter) count(text string) int {
	if a.counter == nil {
		return len(text) / 4
	}
	return a.counter(text)
}

// estimateTokens counts tokens across the text of every message.
func (a *Adapter) estimateTokens(messages []unifiedllm.Message) int {
	total := 0
	for _, msg := range messages {
		for _, part := range msg.Content {
			switch {
			case part.Kind == unifiedllm.ContentText:
				total += a.count(part.Text)
			case part.Kind == unifiedllm.ContentToolResult && part.ToolResult != nil:
				total += a.count(part.ToolResult.ContentText())
			}
		}
	}
	return total
}

// tiktokenCounter returns a counter backed by the cl100k_base encoding. The
// encoding is loaded on first use; if it cannot be loaded the counter falls
// back to a four-bytes-per-token estimate.
func tiktokenCounter() func(string) int {
	var (
		once sync.Once
		enc  *tiktoken.Tiktoken
	)
	return func(text string) int {
		once.Do(func() {
			enc, _ = tiktoken.GetEncoding("cl100k_base")
		})
		if enc == nil {
			return len(text) / 4
		}
		return len(enc.Encode(text, nil, nil))
	}
}
