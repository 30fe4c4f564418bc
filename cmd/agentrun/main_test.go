package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/martinemde/toolloop/agentloop"
	"github.com/martinemde/toolloop/internal/config"
	"github.com/martinemde/toolloop/unifiedllm"
)

type echoModel struct{}

func (echoModel) GenerateText(_ context.Context, messages []unifiedllm.Message, _ *unifiedllm.CallOptions) (*unifiedllm.Response, error) {
	last := messages[len(messages)-1]
	return &unifiedllm.Response{
		Message: unifiedllm.AssistantMessage("echo: " + last.TextContent()),
	}, nil
}

func (m echoModel) StreamText(ctx context.Context, messages []unifiedllm.Message, opts *unifiedllm.CallOptions) (<-chan unifiedllm.StreamEvent, error) {
	resp, _ := m.GenerateText(ctx, messages, opts)
	ch := make(chan unifiedllm.StreamEvent, 3)
	ch <- unifiedllm.TextChunk{Text: "echo: "}
	ch <- unifiedllm.TextChunk{Text: messages[len(messages)-1].TextContent()}
	ch <- unifiedllm.Completion{Response: resp}
	close(ch)
	return ch, nil
}

func newTestApp(out *bytes.Buffer) *app {
	return &app{logger: slog.New(slog.DiscardHandler), out: out}
}

func TestRunText(t *testing.T) {
	var out bytes.Buffer
	agent, err := agentloop.New(echoModel{})
	if err != nil {
		t.Fatalf("agentloop.New: %v", err)
	}
	err = newTestApp(&out).runText(context.Background(), agent, []unifiedllm.Message{unifiedllm.UserMessage("hi")})
	if err != nil {
		t.Fatalf("runText: %v", err)
	}
	if got := out.String(); got != "echo: hi\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRunStream(t *testing.T) {
	var out bytes.Buffer
	agent, err := agentloop.New(echoModel{})
	if err != nil {
		t.Fatalf("agentloop.New: %v", err)
	}
	err = newTestApp(&out).runStream(context.Background(), agent, []unifiedllm.Message{unifiedllm.UserMessage("hi")})
	if err != nil {
		t.Fatalf("runStream: %v", err)
	}
	if got := out.String(); got != "echo: hi\n" {
		t.Errorf("output = %q", got)
	}
}

func TestNewModelNativeProviders(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		t.Run(provider, func(t *testing.T) {
			cfg, err := config.LoadFrom(map[string]string{
				"AGENT_PROVIDER": provider,
				"AGENT_API_KEY":  "test-key",
			})
			if err != nil {
				t.Fatalf("LoadFrom: %v", err)
			}
			model, err := newModel(cfg, slog.New(slog.DiscardHandler))
			if err != nil {
				t.Fatalf("newModel: %v", err)
			}
			if model == nil {
				t.Fatal("newModel returned nil client")
			}
		})
	}
}
