// Package mcpserver exposes the memory tools over the Model Context Protocol,
// so other assistants can read and write the same memories.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const sessionArg = "session_id"

type Runner interface {
	Execute(ctx context.Context, inv tools.Invocation, session string) tools.Result
}

type Server struct {
	server *server.MCPServer
	exec   Runner
	log    *slog.Logger

	ctx context.Context
}

func New(exec Runner, version string, log *slog.Logger) (*Server, error) {
	s := &Server{
		server: server.NewMCPServer(
			"memoir",
			version,
			server.WithToolCapabilities(true),
			server.WithLogging(),
		),
		exec: exec,
		log:  log,
		ctx:  context.Background(),
	}

	for _, def := range tools.Definitions() {
		tool, err := toMCPTool(def)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		s.server.AddTool(tool, s.handler(def.Name))
	}
	s.server.AddNotificationHandler(func(n mcp.JSONRPCNotification) {
		s.log.Debug("mcp notification", "method", n.Method)
	})
	return s, nil
}

// toMCPTool converts a model tool definition into an MCP tool, adding the
// session argument every call needs.
func toMCPTool(def llm.Tool) (mcp.Tool, error) {
	props := map[string]interface{}{}
	if def.InputSchema.Properties != nil {
		b, err := json.Marshal(def.InputSchema.Properties)
		if err != nil {
			return mcp.Tool{}, err
		}
		if err := json.Unmarshal(b, &props); err != nil {
			return mcp.Tool{}, err
		}
	}
	props[sessionArg] = map[string]interface{}{
		"type":        "string",
		"description": "Whose memories to use.",
	}

	return mcp.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   append([]string{sessionArg}, def.InputSchema.Required...),
		},
	}, nil
}

func (s *Server) handler(name string) func(map[string]interface{}) (*mcp.CallToolResult, error) {
	return func(arguments map[string]interface{}) (*mcp.CallToolResult, error) {
		session, _ := arguments[sessionArg].(string)
		if session == "" {
			return nil, fmt.Errorf("%s is required", sessionArg)
		}
		args := make(map[string]any, len(arguments))
		for k, v := range arguments {
			if k != sessionArg {
				args[k] = v
			}
		}

		inv := tools.NewInvocation("mcp_"+uuid.NewString(), name, args)
		res := s.exec.Execute(s.ctx, inv, session)
		s.log.Info("mcp tool call", "tool", name, "session", session, "success", res.Success)

		b, err := json.Marshal(res.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []interface{}{
				mcp.TextContent{
					Type: "text",
					Text: string(b),
				},
			},
		}, nil
	}
}

// Serve speaks MCP over stdin and stdout until the client disconnects.
// Tool calls run under ctx.
func (s *Server) Serve(ctx context.Context) error {
	s.ctx = ctx
	s.log.Info("starting MCP server on stdio")
	if err := server.ServeStdio(s.server); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
