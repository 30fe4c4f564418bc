// Command agentrun runs a tool-calling agent over a local workspace, or serves
// the workspace tools over MCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/martinemde/toolloop/agentloop"
	"github.com/martinemde/toolloop/internal/config"
	"github.com/martinemde/toolloop/internal/workspace"
	"github.com/martinemde/toolloop/streamparts"
	"github.com/martinemde/toolloop/toolexec"
	"github.com/martinemde/toolloop/toolserver"
	"github.com/martinemde/toolloop/unifiedllm"
)

func main() {
	var mode, system string
	flag.StringVar(&mode, "mode", "text", "run mode: text, stream or serve-tools")
	flag.StringVar(&system, "system", "", "system prompt")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := newLogger(os.Stderr, cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := &app{cfg: cfg, logger: logger, out: os.Stdout}
	if err := cli.run(ctx, mode, system, strings.Join(flag.Args(), " ")); err != nil {
		logger.Error("agentrun failed", "mode", mode, "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
}

func (a *app) run(ctx context.Context, mode, system, prompt string) error {
	ws, err := workspace.New(a.cfg.Workspace)
	if err != nil {
		return err
	}
	defer ws.Close()
	tools, err := ws.Tools(a.cfg.AllowWrites)
	if err != nil {
		return err
	}
	registry := toolexec.NewRegistry(tools...)

	if mode == "serve-tools" {
		srv, err := toolserver.New(registry,
			toolserver.WithLogger(a.logger),
			toolserver.WithMaxRetries(a.cfg.MaxToolRetries),
		)
		if err != nil {
			return err
		}
		a.logger.Info("serving tools over stdio", "workspace", ws.Root(), "tools", srv.Tools())
		return srv.ServeStdio()
	}

	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return errors.New("no prompt given")
	}

	model, err := newModel(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer model.Close()

	events := agentloop.NewEventEmitter(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events.Events() {
			a.logger.Debug("agent.event", "kind", ev.Kind, "run_id", ev.RunID, "iteration", ev.Iteration, "data", ev.Data)
		}
	}()
	defer func() {
		events.Close()
		<-done
	}()

	agent, err := agentloop.New(model,
		agentloop.WithRegistry(registry),
		agentloop.WithConfig(a.cfg.AgentConfig()),
		agentloop.WithCallOptions(&unifiedllm.CallOptions{Model: a.cfg.Model}),
		agentloop.WithLogger(a.logger),
		agentloop.WithEvents(events),
	)
	if err != nil {
		return err
	}

	var messages []unifiedllm.Message
	if system != "" {
		messages = append(messages, unifiedllm.SystemMessage(system))
	}
	messages = append(messages, unifiedllm.UserMessage(prompt))

	switch mode {
	case "text":
		return a.runText(ctx, agent, messages)
	case "stream":
		return a.runStream(ctx, agent, messages)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func (a *app) runText(ctx context.Context, agent *agentloop.Agent, messages []unifiedllm.Message) error {
	res, err := agent.RunTextWithSteps(ctx, messages)
	if err != nil {
		return err
	}
	for _, w := range res.Result.Warnings {
		a.logger.Warn("agent.warning", "code", w.Code, "message", w.Message)
	}
	a.logger.Info("agent.done",
		"steps", len(res.Steps),
		"input_tokens", res.Result.TotalUsage.InputTokens,
		"output_tokens", res.Result.TotalUsage.OutputTokens,
	)
	_, err = fmt.Fprintln(a.out, res.Result.Text)
	return err
}

func (a *app) runStream(ctx context.Context, agent *agentloop.Agent, messages []unifiedllm.Message) error {
	parts, err := agent.StreamText(ctx, messages)
	if err != nil {
		return err
	}
	for part, err := range parts {
		if err != nil {
			return err
		}
		switch p := part.(type) {
		case streamparts.TextDelta:
			fmt.Fprint(a.out, p.Text)
		case streamparts.ToolCallFinal:
			a.logger.Info("tool call requested", "tool", p.Call.Name, "id", p.Call.ID)
		case streamparts.Finish:
			fmt.Fprintln(a.out)
			a.logger.Info("stream.done", "finish_reason", p.Result.FinishReason, "total_tokens", p.Result.Usage.TotalTokens)
		}
	}
	return nil
}
