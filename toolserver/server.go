// Package toolserver exposes a tool registry as an MCP server.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/martinemde/toolloop/toolexec"
	"github.com/martinemde/toolloop/unifiedllm"
)

// Server serves the tools of a registry over MCP. Calls go through a
// toolexec.Coordinator, so retries and failure handling match the agent loop.
type Server struct {
	mcp     *server.MCPServer
	coord   *toolexec.Coordinator
	policy  toolexec.Config
	logger  *slog.Logger
	name    string
	version string
	tools   []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxRetries sets the retry budget of each call.
func WithMaxRetries(n int) Option {
	return func(s *Server) {
		s.policy.MaxRetries = n
	}
}

// WithImplementation sets the server name and version reported to clients.
func WithImplementation(name, version string) Option {
	return func(s *Server) {
		s.name, s.version = name, version
	}
}

// New creates a Server exposing every tool in reg.
func New(reg *toolexec.Registry, opts ...Option) (*Server, error) {
	s := &Server{
		logger:  slog.New(slog.DiscardHandler),
		name:    "toolloop",
		version: "0.1.0",
	}
	for _, opt := range opts {
		opt(s)
	}
	if reg == nil {
		reg = toolexec.NewRegistry()
	}
	s.coord = toolexec.NewCoordinator(reg, toolexec.WithLogger(s.logger))
	s.mcp = server.NewMCPServer(s.name, s.version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	for _, def := range reg.Definitions() {
		schema, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode schema of tool %s: %w", def.Name, err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(def.Name, def.Description, schema), s.handler(def.Name))
		s.tools = append(s.tools, def.Name)
	}
	return s, nil
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Tools returns the names of the served tools, sorted.
func (s *Server) Tools() []string { return s.tools }

// ServeStdio serves MCP over stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if string(args) == "null" {
			args = []byte(`{}`)
		}
		call := unifiedllm.ToolCall{ID: uuid.NewString(), Name: name, Arguments: args}

		records, err := s.coord.ExecuteAll(ctx, []unifiedllm.ToolCall{call}, s.policy)
		if err != nil {
			s.logger.Warn("toolserver.call.failed", "tool", name, "error", err.Error())
			return mcp.NewToolResultError(err.Error()), nil
		}
		result := records[0].ToolResult()
		if result.IsError {
			return mcp.NewToolResultError(result.ContentText()), nil
		}
		return mcp.NewToolResultText(result.ContentText()), nil
	}
}
