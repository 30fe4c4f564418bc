// Package openai implements unifiedllm.ProviderAdapter on the OpenAI Chat
// Completions API, including streaming and tool calling.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/martinemde/toolloop/unifiedllm"
)

const providerName = "openai"

// Options configure the adapter. Per-call unifiedllm.CallOptions override them.
type Options struct {
	Model               string
	Temperature         *float64
	MaxCompletionTokens int64
	RequestOptions      []option.RequestOption
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) func(*Options) {
	return func(o *Options) {
		o.RequestOptions = append(o.RequestOptions, option.WithAPIKey(key))
	}
}

// WithBaseURL points the client at a different endpoint.
func WithBaseURL(url string) func(*Options) {
	return func(o *Options) {
		o.RequestOptions = append(o.RequestOptions, option.WithBaseURL(url))
	}
}

// WithModel sets the default model.
func WithModel(model string) func(*Options) {
	return func(o *Options) {
		o.Model = model
	}
}

// Adapter wraps the OpenAI client behind unifiedllm.ProviderAdapter.
type Adapter struct {
	client *oai.Client
	opts   Options
}

// New creates an adapter with a fresh client. Without WithAPIKey the client
// reads OPENAI_API_KEY.
func New(optFns ...func(*Options)) *Adapter {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	client := oai.NewClient(opts.RequestOptions...)
	return &Adapter{client: &client, opts: opts}
}

// NewFromClient creates an adapter from an existing client.
func NewFromClient(client *oai.Client, optFns ...func(*Options)) *Adapter {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Adapter{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:               oai.ChatModelGPT4oMini,
		MaxCompletionTokens: 4096,
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return providerName }

// GenerateText performs a blocking chat completion.
func (a *Adapter) GenerateText(ctx context.Context, messages []unifiedllm.Message, opts *unifiedllm.CallOptions) (*unifiedllm.Response, error) {
	params, err := a.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, translateError(err)
	}
	return convertCompletion(resp)
}

// StreamText streams a chat completion. Text and tool-argument deltas are
// forwarded as they arrive; the accumulated completion closes the stream.
func (a *Adapter) StreamText(ctx context.Context, messages []unifiedllm.Message, opts *unifiedllm.CallOptions) (<-chan unifiedllm.StreamEvent, error) {
	params, err := a.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: oai.Bool(true)}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan unifiedllm.StreamEvent, 32)

	go func() {
		defer close(out)
		defer stream.Close()

		send := func(ev unifiedllm.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		acc := oai.ChatCompletionAccumulator{}
		// Tool call deltas after the first carry only the index.
		ids := map[int64]string{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			for _, ch := range chunk.Choices {
				if ch.Delta.Content != "" {
					if !send(unifiedllm.TextChunk{Text: ch.Delta.Content}) {
						return
					}
				}
				for _, tc := range ch.Delta.ToolCalls {
					if tc.ID != "" {
						ids[tc.Index] = tc.ID
					}
					ev := unifiedllm.ToolCallChunk{
						ID:             ids[tc.Index],
						Name:           tc.Function.Name,
						ArgumentsDelta: tc.Function.Arguments,
					}
					if !send(ev) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(unifiedllm.StreamError{Err: translateError(err)})
			return
		}

		resp, err := convertCompletion(&acc.ChatCompletion)
		if err != nil {
			send(unifiedllm.StreamError{Err: err})
			return
		}
		send(unifiedllm.Completion{Response: resp})
	}()

	return out, nil
}

// buildParams assembles the request including tools and response format.
func (a *Adapter) buildParams(messages []unifiedllm.Message, opts *unifiedllm.CallOptions) (oai.ChatCompletionNewParams, error) {
	msgs, err := buildMessages(messages)
	if err != nil {
		return oai.ChatCompletionNewParams{}, err
	}
	o := opts.Clone()

	model := a.opts.Model
	if o.Model != "" {
		model = o.Model
	}
	params := oai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}

	switch {
	case o.MaxTokens != nil:
		params.MaxCompletionTokens = oai.Int(int64(*o.MaxTokens))
	case a.opts.MaxCompletionTokens > 0:
		params.MaxCompletionTokens = oai.Int(a.opts.MaxCompletionTokens)
	}
	switch {
	case o.Temperature != nil:
		params.Temperature = oai.Float(*o.Temperature)
	case a.opts.Temperature != nil:
		params.Temperature = oai.Float(*a.opts.Temperature)
	}
	if o.TopP != nil {
		params.TopP = oai.Float(*o.TopP)
	}
	if len(o.StopSequences) > 0 {
		params.Stop = oai.ChatCompletionNewParamsStopUnion{OfStringArray: o.StopSequences}
	}
	if o.ReasoningEffort != "" {
		params.ReasoningEffort = oai.ReasoningEffort(o.ReasoningEffort)
	}
	if len(o.Metadata) > 0 {
		params.Metadata = o.Metadata
	}

	if len(o.Tools) > 0 {
		tools := make([]oai.ChatCompletionToolParam, len(o.Tools))
		for i, t := range o.Tools {
			tools[i] = oai.ChatCompletionToolParam{
				Type: "function",
				Function: oai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: oai.String(t.Description),
					Parameters:  t.Parameters,
				},
			}
		}
		params.Tools = tools
	}
	if o.ToolChoice != nil {
		switch o.ToolChoice.Mode {
		case "auto", "none", "required":
			params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: oai.String(o.ToolChoice.Mode)}
		case "named":
			params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
				OfChatCompletionNamedToolChoice: &oai.ChatCompletionNamedToolChoiceParam{
					Function: oai.ChatCompletionNamedToolChoiceFunctionParam{Name: o.ToolChoice.ToolName},
				},
			}
		}
	}

	if rf := o.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_schema":
			name := rf.Name
			if name == "" {
				name = "response"
			}
			params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &oai.ResponseFormatJSONSchemaParam{
					JSONSchema: oai.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:   name,
						Schema: rf.JSONSchema,
						Strict: oai.Bool(rf.Strict),
					},
				},
			}
		case "json":
			params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &oai.ResponseFormatJSONObjectParam{},
			}
		}
	}

	return params, nil
}

// buildMessages converts unified messages into OpenAI chat messages. Tool
// results become one tool message per result.
func buildMessages(messages []unifiedllm.Message) ([]oai.ChatCompletionMessageParamUnion, error) {
	var out []oai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		text := m.TextContent()
		switch m.Role {
		case unifiedllm.RoleSystem:
			out = append(out, oai.SystemMessage(text))
		case unifiedllm.RoleUser:
			out = append(out, oai.UserMessage(text))
		case unifiedllm.RoleAssistant:
			calls := m.ToolCalls()
			if len(calls) == 0 {
				out = append(out, oai.AssistantMessage(text))
				continue
			}
			toolCalls := make([]oai.ChatCompletionMessageToolCallParam, len(calls))
			for i, tc := range calls {
				toolCalls[i] = oai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
			assistant := &oai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCalls,
			}
			if text != "" {
				assistant.Content = oai.ChatCompletionAssistantMessageParamContentUnion{OfString: oai.String(text)}
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case unifiedllm.RoleTool:
			for _, part := range m.Content {
				if part.Kind != unifiedllm.ContentToolResult || part.ToolResult == nil {
					continue
				}
				out = append(out, oai.ToolMessage(part.ToolResult.ContentText(), part.ToolResult.ToolCallID))
			}
		default:
			return nil, &unifiedllm.InvalidRequestError{ProviderError: unifiedllm.ProviderError{
				SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("unsupported message role %q", m.Role)},
				Provider: providerName,
			}}
		}
	}
	return out, nil
}

// convertCompletion maps a chat completion to a unified Response.
func convertCompletion(resp *oai.ChatCompletion) (*unifiedllm.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, &unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: "no choices returned"},
			Provider: providerName,
		}
	}
	ch := resp.Choices[0]

	var content []unifiedllm.ContentPart
	if ch.Message.Content != "" {
		content = append(content, unifiedllm.TextPart(ch.Message.Content))
	}
	for _, tc := range ch.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(strings.TrimSpace(tc.Function.Arguments)) == 0 {
			args = json.RawMessage(`{}`)
		}
		content = append(content, unifiedllm.ToolCallPart(tc.ID, tc.Function.Name, args))
	}

	usage := unifiedllm.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	if n := int(resp.Usage.CompletionTokensDetails.ReasoningTokens); n > 0 {
		usage.ReasoningTokens = &n
	}
	if n := int(resp.Usage.PromptTokensDetails.CachedTokens); n > 0 {
		usage.CacheReadTokens = &n
	}

	metadata := map[string]any{
		"id":       resp.ID,
		"model":    resp.Model,
		"provider": providerName,
	}
	if resp.Created > 0 {
		metadata["created"] = resp.Created
	}
	if resp.SystemFingerprint != "" {
		metadata["system_fingerprint"] = resp.SystemFingerprint
	}

	return &unifiedllm.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     providerName,
		Message:      unifiedllm.Message{Role: unifiedllm.RoleAssistant, Content: content},
		FinishReason: mapFinishReason(string(ch.FinishReason)),
		Usage:        usage,
		Metadata:     metadata,
		Raw:          resp,
	}, nil
}

func mapFinishReason(raw string) unifiedllm.FinishReason {
	reason := "other"
	switch raw {
	case "stop":
		reason = "stop"
	case "length":
		reason = "length"
	case "tool_calls", "function_call":
		reason = "tool_calls"
	case "content_filter":
		reason = "content_filter"
	}
	return unifiedllm.FinishReason{Reason: reason, Raw: raw}
}

// translateError maps SDK errors onto the unified error hierarchy.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "openai request cancelled", Cause: err}}
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return unifiedllm.ErrorFromStatusCode(apiErr.StatusCode, apiErr.Error(), providerName, "", nil, nil)
	}
	return &unifiedllm.NetworkError{SDKError: unifiedllm.SDKError{Message: "openai request failed", Cause: err}}
}
