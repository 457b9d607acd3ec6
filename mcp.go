package visitd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers visitd's read-only tools on an MCP server.
func (t *Tracker) RegisterMCP(srv *mcp.Server) {
	t.registerStatusTool(srv)
	t.registerRecentTool(srv)
	t.registerDomainsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (t *Tracker) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "visitd_status",
		Description: "Current tracking status: the open visit (domain, engaged seconds) and the cached user identifier.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	registerTool(srv, tool, func(req *mcp.CallToolRequest) (any, error) {
		return nil, nil
	}, func(ctx context.Context, _ any) (any, error) {
		return t.Status(ctx)
	})
}

type limitRequest struct {
	Limit int `json:"limit,omitempty"`
}

func (t *Tracker) registerRecentTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "visitd_recent_visits",
		Description: "Recently finalized visits from the local history mirror, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max results (default 20)"},
		}, nil),
	}
	registerTool(srv, tool, decodeLimit, func(ctx context.Context, req any) (any, error) {
		r := req.(*limitRequest)
		return t.Recent(ctx, r.Limit)
	})
}

func (t *Tracker) registerDomainsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "visitd_domain_totals",
		Description: "Dwell time aggregated by registrable domain, most engaged first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max domains (default 50)"},
		}, nil),
	}
	registerTool(srv, tool, decodeLimit, func(ctx context.Context, req any) (any, error) {
		r := req.(*limitRequest)
		return t.Domains(ctx, r.Limit)
	})
}

func decodeLimit(req *mcp.CallToolRequest) (any, error) {
	var r limitRequest
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// registerTool wires a decode + endpoint pair as an MCP tool. Endpoint
// results are marshalled to JSON text content; errors become tool errors,
// never protocol errors.
func registerTool(srv *mcp.Server, tool *mcp.Tool,
	decode func(*mcp.CallToolRequest) (any, error),
	endpoint func(context.Context, any) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		resp, err := endpoint(ctx, decoded)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
