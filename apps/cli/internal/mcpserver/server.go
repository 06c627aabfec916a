// Package mcpserver exposes the token registry over the Model Context
// Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/slush-dev/push-registry/apps/cli/internal/app"
	"github.com/slush-dev/push-registry/registry"
)

const statusURI = "registry://status"

// Server wraps an MCP server exposing the registry as tools and resources.
type Server struct {
	server *mcp.Server
	app    *app.App
	logger *slog.Logger
}

// New creates a Server over a. Token changes are published as updates of
// the status resource.
func New(a *app.App, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := mcp.NewServer(&mcp.Implementation{
		Name:    "push-registry",
		Version: version,
	}, &mcp.ServerOptions{
		SubscribeHandler:   func(context.Context, *mcp.SubscribeRequest) error { return nil },
		UnsubscribeHandler: func(context.Context, *mcp.UnsubscribeRequest) error { return nil },
	})

	g := &Server{
		server: s,
		app:    a,
		logger: logger,
	}
	g.registerResources()
	g.registerTools()

	a.Registry.AddListener(registry.ListenerFunc(func(previous, current string) {
		if previous == current {
			return
		}
		if err := s.ResourceUpdated(context.Background(), &mcp.ResourceUpdatedNotificationParams{URI: statusURI}); err != nil {
			logger.Debug("Status update notification failed", "error", err)
		}
	}))
	return g
}

// Run serves MCP on stdio and blocks until ctx ends or the client leaves.
func (g *Server) Run(ctx context.Context) error {
	return g.server.Run(ctx, &mcp.StdioTransport{})
}

// RunWithTransport connects the server to a custom transport (for testing).
func (g *Server) RunWithTransport(ctx context.Context, t mcp.Transport) error {
	_, err := g.server.Connect(ctx, t, nil)
	return err
}

// jsonResult marshals v to JSON and returns it as a text CallToolResult.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil
}

// errorResult returns a CallToolResult with IsError=true.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}

// decodeArgs unmarshals optional tool arguments into v.
func decodeArgs(req *mcp.CallToolRequest, v any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params.Arguments, v)
}
