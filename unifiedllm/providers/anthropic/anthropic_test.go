package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/toolloop/unifiedllm"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(func(o *Options) {
		o.APIKey = "test-key"
		o.RequestOptions = append(o.RequestOptions, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	})
}

func TestGenerateText(t *testing.T) {
	var body map[string]any
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "x"}}
			],
			"stop_reason": "tool_use",
			"stop_sequence": null,
			"usage": {"input_tokens": 10, "output_tokens": 4}
		}`)
	})

	resp, err := adapter.GenerateText(context.Background(), []unifiedllm.Message{
		unifiedllm.SystemMessage("be brief"),
		unifiedllm.UserMessage("find x"),
	}, &unifiedllm.CallOptions{
		Tools: []unifiedllm.ToolDefinition{{
			Name:        "lookup",
			Description: "Look something up",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"q": map[string]any{"type": "string"}},
				"required":   []any{"q"},
			},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Let me check.", resp.Text())
	assert.Equal(t, "tool_calls", resp.FinishReason.Reason)
	assert.Equal(t, unifiedllm.Usage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14}, resp.Usage)
	calls := resp.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_1", calls[0].ID)
	assert.JSONEq(t, `{"q":"x"}`, string(calls[0].Arguments))

	assert.Equal(t, "claude-sonnet-4-5", body["model"])
	system, ok := body["system"].([]any)
	require.True(t, ok)
	assert.Len(t, system, 1)
	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	assert.Equal(t, "Look something up", tools[0].(map[string]any)["description"])
}

func TestBuildMessagesMergesToolResults(t *testing.T) {
	assistant := unifiedllm.Message{
		Role: unifiedllm.RoleAssistant,
		Content: []unifiedllm.ContentPart{
			unifiedllm.ToolCallPart("t1", "a", json.RawMessage(`{}`)),
			unifiedllm.ToolCallPart("t2", "b", json.RawMessage(`{"n":1}`)),
		},
	}
	msgs, err := buildMessages([]unifiedllm.Message{
		unifiedllm.SystemMessage("ignored here"),
		unifiedllm.UserMessage("go"),
		assistant,
		unifiedllm.ToolResultMessage(unifiedllm.ToolResult{ToolCallID: "t1", Content: json.RawMessage(`"one"`)}),
		unifiedllm.ToolResultMessage(unifiedllm.ToolResult{ToolCallID: "t2", Content: json.RawMessage(`"two"`), IsError: true}),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Len(t, msgs[1].Content, 2)
	assert.Len(t, msgs[2].Content, 2, "tool results share one user message")
}

func TestBuildMessagesRejectsInvalidArguments(t *testing.T) {
	_, err := buildMessages([]unifiedllm.Message{{
		Role:    unifiedllm.RoleAssistant,
		Content: []unifiedllm.ContentPart{unifiedllm.ToolCallPart("t1", "a", json.RawMessage(`{broken`))},
	}})
	var invalid *unifiedllm.InvalidRequestError
	assert.ErrorAs(t, err, &invalid)
}

func TestStreamText(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"lookup","input":{}}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":1}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":9}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
		}
	})

	ch, err := adapter.StreamText(context.Background(), []unifiedllm.Message{unifiedllm.UserMessage("hi")}, nil)
	require.NoError(t, err)

	var events []unifiedllm.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	require.Len(t, events, 5)
	assert.Equal(t, unifiedllm.TextChunk{Text: "Hi"}, events[0])
	assert.Equal(t, unifiedllm.ToolCallChunk{ID: "toolu_9", Name: "lookup"}, events[1])
	assert.Equal(t, unifiedllm.ToolCallChunk{ID: "toolu_9", ArgumentsDelta: `{"q":`}, events[2])
	assert.Equal(t, unifiedllm.ToolCallChunk{ID: "toolu_9", ArgumentsDelta: `"x"}`}, events[3])

	done, ok := events[4].(unifiedllm.Completion)
	require.True(t, ok, "expected completion, got %T", events[4])
	assert.Equal(t, "Hi", done.Response.Text())
	assert.Equal(t, "tool_calls", done.Response.FinishReason.Reason)
	calls := done.Response.ToolCalls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"q":"x"}`, string(calls[0].Arguments))
}

func TestErrorMapping(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	})

	_, err := adapter.GenerateText(context.Background(), []unifiedllm.Message{unifiedllm.UserMessage("hi")}, nil)
	var rl *unifiedllm.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.True(t, unifiedllm.IsRetryable(err))
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "stop", mapStopReason("end_turn").Reason)
	assert.Equal(t, "length", mapStopReason("max_tokens").Reason)
	assert.Equal(t, "tool_calls", mapStopReason("tool_use").Reason)
	assert.Equal(t, "content_filter", mapStopReason("refusal").Reason)
}
