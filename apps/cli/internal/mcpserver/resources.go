package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func (g *Server) registerResources() {
	g.server.AddResource(&mcp.Resource{
		URI:         statusURI,
		Name:        "Registration Status",
		Description: "Persisted token, project, backend flag and FCM credential state",
		MIMEType:    "application/json",
	}, g.handleStatusResource)
}

func (g *Server) handleStatusResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	reg, err := g.app.Registry.Registration(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading registration: %w", err)
	}

	status := map[string]any{
		"state":         reg.State().String(),
		"token":         reg.Token,
		"project_id":    reg.ProjectID,
		"is_registered": reg.IsRegistered,
		"is_stale":      reg.IsStale,
		"store":         g.app.Config.Store.Driver,
		"backend":       g.app.Config.Backend.URL != "",
	}
	if creds := g.app.FCM.Credentials(); creds != nil {
		status["fcm"] = map[string]any{
			"sender_id": creds.SenderID,
			"issued_at": creds.IssuedAt.UTC().Format(time.RFC3339),
		}
	}
	return jsonResource(req.Params.URI, status)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling resource: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
