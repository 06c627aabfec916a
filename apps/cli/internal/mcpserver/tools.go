package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func (g *Server) registerTools() {
	g.server.AddTool(getTokenTool(), g.handleGetToken)
	g.server.AddTool(deleteTokenTool(), g.handleDeleteToken)
	g.server.AddTool(setRegisteredTool(), g.handleSetRegistered)

	// Backend tools fail with a message when no backend is configured.
	g.server.AddTool(syncTool(), g.handleSync)
	g.server.AddTool(unregisterTool(), g.handleUnregister)
}

func getTokenTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "get_token",
		Description: "Return the push token, fetching one from FCM if none is stored or the project changed.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"project_id": {"type": "string", "description": "FCM sender ID (default: the configured project)"}
			}
		}`),
	}
}

func (g *Server) handleGetToken(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		ProjectID string `json:"project_id"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	projectID, err := g.app.ProjectID(args.ProjectID)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	token, err := g.app.Registry.Token(ctx, projectID)
	if err != nil {
		return errorResult(fmt.Sprintf("fetching token: %v", err)), nil
	}
	reg, err := g.app.Registry.Registration(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("reading registration: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"token":         token,
		"project_id":    projectID,
		"state":         reg.State().String(),
		"is_registered": reg.IsRegistered,
		"is_stale":      reg.IsStale,
	})
}

func deleteTokenTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "delete_token",
		Description: "Invalidate the push token with FCM and forget the stored registration. The next get_token fetches a new one.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}
}

func (g *Server) handleDeleteToken(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := g.app.Registry.DeleteToken(ctx); err != nil {
		return errorResult(fmt.Sprintf("deleting token: %v", err)), nil
	}
	return jsonResult(map[string]any{"deleted": true})
}

func setRegisteredTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "set_registered",
		Description: "Set or clear the flag recording that the backend acknowledged the current token.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"registered": {"type": "boolean", "description": "New flag value"}
			},
			"required": ["registered"]
		}`),
	}
}

func (g *Server) handleSetRegistered(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Registered *bool `json:"registered"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Registered == nil {
		return errorResult("registered is required"), nil
	}

	var err error
	if *args.Registered {
		err = g.app.Registry.SetRegistered(ctx, true)
	} else {
		err = g.app.Registry.Unregister(ctx)
	}
	if err != nil {
		return errorResult(fmt.Sprintf("updating flag: %v", err)), nil
	}
	return jsonResult(map[string]any{"is_registered": *args.Registered})
}

func syncTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "sync",
		Description: "Register the current push token with the application backend unless it already has it.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}
}

func (g *Server) handleSync(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := g.app.Syncer(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	res, err := s.Sync(ctx, "")
	if err != nil {
		return errorResult(fmt.Sprintf("sync failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"token": res.Token, "sent": res.Registered})
}

func unregisterTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "unregister",
		Description: "Remove this installation from the application backend and clear the registration flag.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}
}

func (g *Server) handleUnregister(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := g.app.Syncer(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := s.Unregister(ctx); err != nil {
		return errorResult(fmt.Sprintf("unregister failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"is_registered": false})
}
