// Package anthropic implements unifiedllm.ProviderAdapter on the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/martinemde/toolloop/unifiedllm"
)

const providerName = "anthropic"

// Options configures the adapter. Per-call unifiedllm.CallOptions override them.
type Options struct {
	Model          anthropic.Model
	Temperature    *float64
	MaxTokens      int64
	APIKey         string
	RequestOptions []option.RequestOption
}

// Adapter wraps the Anthropic client behind unifiedllm.ProviderAdapter.
type Adapter struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:     anthropic.Model("claude-sonnet-4-5"),
		MaxTokens: 4096,
	}
}

// New creates an adapter with a fresh client. Without an APIKey the client
// reads ANTHROPIC_API_KEY.
func New(optFns ...func(o *Options)) *Adapter {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := append([]option.RequestOption(nil), opts.RequestOptions...)
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Adapter{client: &client, opts: opts}
}

// NewFromClient creates an adapter from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Adapter {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Adapter{client: client, opts: opts}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return providerName }

// GenerateText performs a blocking Messages call.
func (a *Adapter) GenerateText(ctx context.Context, messages []unifiedllm.Message, opts *unifiedllm.CallOptions) (*unifiedllm.Response, error) {
	params, err := a.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, translateError(err)
	}
	return convertMessage(resp, nil), nil
}

// StreamText streams a Messages call. Content block deltas are forwarded as
// they arrive and the accumulated message closes the stream.
func (a *Adapter) StreamText(ctx context.Context, messages []unifiedllm.Message, opts *unifiedllm.CallOptions) (<-chan unifiedllm.StreamEvent, error) {
	params, err := a.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
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

		message := anthropic.Message{}
		// Delta events identify their block only by index.
		toolIDs := map[int64]string{}
		toolArgs := map[int64]*strings.Builder{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				send(unifiedllm.StreamError{Err: &unifiedllm.SDKError{Message: "anthropic stream accumulate failed", Cause: err}})
				return
			}

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if ev.ContentBlock.Type == "tool_use" {
					toolIDs[ev.Index] = ev.ContentBlock.ID
					toolArgs[ev.Index] = &strings.Builder{}
					if !send(unifiedllm.ToolCallChunk{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}) {
						return
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch d := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if !send(unifiedllm.TextChunk{Text: d.Text}) {
						return
					}
				case anthropic.ThinkingDelta:
					if !send(unifiedllm.ThinkingChunk{Text: d.Thinking}) {
						return
					}
				case anthropic.InputJSONDelta:
					if b, ok := toolArgs[ev.Index]; ok {
						b.WriteString(d.PartialJSON)
					}
					if !send(unifiedllm.ToolCallChunk{ID: toolIDs[ev.Index], ArgumentsDelta: d.PartialJSON}) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(unifiedllm.StreamError{Err: translateError(err)})
			return
		}

		streamed := make(map[string]string, len(toolIDs))
		for idx, id := range toolIDs {
			if s := toolArgs[idx].String(); s != "" {
				streamed[id] = s
			}
		}
		send(unifiedllm.Completion{Response: convertMessage(&message, streamed)})
	}()

	return out, nil
}

// buildParams assembles the request. System messages are lifted into the
// system prompt.
func (a *Adapter) buildParams(messages []unifiedllm.Message, opts *unifiedllm.CallOptions) (anthropic.MessageNewParams, error) {
	o := opts.Clone()

	model := a.opts.Model
	if o.Model != "" {
		model = anthropic.Model(o.Model)
	}
	maxTokens := a.opts.MaxTokens
	if o.MaxTokens != nil {
		maxTokens = int64(*o.MaxTokens)
	}

	msgs, err := buildMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if system := extractSystem(messages); len(system) > 0 {
		params.System = system
	}

	switch {
	case o.Temperature != nil:
		params.Temperature = anthropic.Float(*o.Temperature)
	case a.opts.Temperature != nil:
		params.Temperature = anthropic.Float(*a.opts.Temperature)
	}
	if o.TopP != nil {
		params.TopP = anthropic.Float(*o.TopP)
	}
	if len(o.StopSequences) > 0 {
		params.StopSequences = o.StopSequences
	}
	if len(o.Tools) > 0 && (o.ToolChoice == nil || o.ToolChoice.Mode != "none") {
		params.Tools = buildTools(o.Tools)
	}
	if o.ToolChoice != nil {
		switch o.ToolChoice.Mode {
		case "auto":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		case "required":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case "named":
			params.ToolChoice = anthropic.ToolChoiceParamOfTool(o.ToolChoice.ToolName)
		}
	}

	return params, nil
}

func extractSystem(messages []unifiedllm.Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, m := range messages {
		if m.Role != unifiedllm.RoleSystem {
			continue
		}
		if text := m.TextContent(); text != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: text})
		}
	}
	return blocks
}

// buildMessages converts unified messages into Anthropic messages. Tool
// results travel in user messages, and consecutive messages of the same role
// are merged because the API requires alternation.
func buildMessages(messages []unifiedllm.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	appendBlocks := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	for _, m := range messages {
		switch m.Role {
		case unifiedllm.RoleSystem:
			continue
		case unifiedllm.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			for _, p := range m.Content {
				if p.Kind == unifiedllm.ContentText && p.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			}
			appendBlocks(anthropic.MessageParamRoleUser, blocks)
		case unifiedllm.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, p := range m.Content {
				switch {
				case p.Kind == unifiedllm.ContentText && p.Text != "":
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				case p.Kind == unifiedllm.ContentToolCall && p.ToolCall != nil:
					var input any = map[string]any{}
					if len(p.ToolCall.Arguments) > 0 {
						if err := json.Unmarshal(p.ToolCall.Arguments, &input); err != nil {
							return nil, &unifiedllm.InvalidRequestError{ProviderError: unifiedllm.ProviderError{
								SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("tool call %s has invalid arguments", p.ToolCall.ID), Cause: err},
								Provider: providerName,
							}}
						}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(p.ToolCall.ID, input, p.ToolCall.Name))
				}
			}
			appendBlocks(anthropic.MessageParamRoleAssistant, blocks)
		case unifiedllm.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, p := range m.Content {
				if p.Kind == unifiedllm.ContentToolResult && p.ToolResult != nil {
					blocks = append(blocks, anthropic.NewToolResultBlock(p.ToolResult.ToolCallID, p.ToolResult.ContentText(), p.ToolResult.IsError))
				}
			}
			appendBlocks(anthropic.MessageParamRoleUser, blocks)
		default:
			return nil, &unifiedllm.InvalidRequestError{ProviderError: unifiedllm.ProviderError{
				SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("unsupported message role %q", m.Role)},
				Provider: providerName,
			}}
		}
	}
	return out, nil
}

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []unifiedllm.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := tool.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch req := tool.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" {
			out[i].OfTool.Description = anthropic.String(tool.Description)
		}
	}
	return out
}

// convertMessage maps an Anthropic message to a unified Response. streamedArgs
// overrides tool_use inputs with the argument text seen on the wire.
func convertMessage(msg *anthropic.Message, streamedArgs map[string]string) *unifiedllm.Response {
	var content []unifiedllm.ContentPart
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if t := block.AsText().Text; t != "" {
				content = append(content, unifiedllm.TextPart(t))
			}
		case "thinking":
			th := block.AsThinking()
			content = append(content, unifiedllm.ThinkingPart(th.Thinking, th.Signature))
		case "redacted_thinking":
			content = append(content, unifiedllm.ContentPart{
				Kind:     unifiedllm.ContentThinking,
				Thinking: &unifiedllm.ThinkingData{Text: block.AsRedactedThinking().Data, Redacted: true},
			})
		case "tool_use":
			tu := block.AsToolUse()
			args := json.RawMessage(`{}`)
			if s, ok := streamedArgs[tu.ID]; ok {
				args = json.RawMessage(s)
			} else if tu.Input != nil {
				if raw, err := json.Marshal(tu.Input); err == nil && string(raw) != "null" {
					args = raw
				}
			}
			content = append(content, unifiedllm.ToolCallPart(tu.ID, tu.Name, args))
		}
	}

	usage := unifiedllm.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	if n := int(msg.Usage.CacheReadInputTokens); n > 0 {
		usage.CacheReadTokens = &n
	}
	if n := int(msg.Usage.CacheCreationInputTokens); n > 0 {
		usage.CacheWriteTokens = &n
	}

	return &unifiedllm.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     providerName,
		Message:      unifiedllm.Message{Role: unifiedllm.RoleAssistant, Content: content},
		FinishReason: mapStopReason(string(msg.StopReason)),
		Usage:        usage,
		Metadata: map[string]any{
			"id":       msg.ID,
			"model":    string(msg.Model),
			"provider": providerName,
		},
		Raw: msg,
	}
}

func mapStopReason(raw string) unifiedllm.FinishReason {
	reason := "other"
	switch raw {
	case "end_turn", "stop_sequence", "":
		reason = "stop"
	case "max_tokens":
		reason = "length"
	case "tool_use":
		reason = "tool_calls"
	case "refusal":
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
		return &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "anthropic request cancelled", Cause: err}}
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return unifiedllm.ErrorFromStatusCode(apiErr.StatusCode, apiErr.Error(), providerName, "", nil, nil)
	}
	return &unifiedllm.NetworkError{SDKError: unifiedllm.SDKError{Message: "anthropic request failed", Cause: err}}
}
