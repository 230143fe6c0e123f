// CLAUDE:SUMMARY Registers chatwatch MCP tools: monitoring control, presence control and config, diagnostics, status, history.
package chatwatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chatwatch/kit"
)

// RegisterMCP registers chatwatch tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerStatusTool(srv)
	e.registerMonitoringTool(srv)
	e.registerRediscoverTool(srv)
	e.registerPresenceConfigTool(srv)
	e.registerPresenceHistoryTool(srv)
	e.registerDiagnosticsTool(srv)
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

// decodeArgs unmarshals the tool arguments into a fresh T. Missing
// arguments leave T zero.
func decodeArgs[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

type emptyRequest struct{}

// addTool registers endpoint with call logging and panic recovery.
func (e *Engine) addTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, endpoint, decode, kit.Logging(e.logger, tool.Name), kit.Recover())
}

// --- status ---

func (e *Engine) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chatwatch_status",
		Description: "Report the engine state: watched container, strategy profile, breaker state, presence queue.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return e.Status(ctx)
	}
	e.addTool(srv, tool, endpoint, decodeArgs[emptyRequest])
}

// --- monitoring ---

type monitoringRequest struct {
	Action string `json:"action"`
}

func (e *Engine) registerMonitoringTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chatwatch_monitoring",
		Description: "Start or stop message monitoring (container discovery and record extraction).",
		InputSchema: inputSchema(map[string]any{
			"action": map[string]any{"type": "string", "enum": []any{"start", "stop"}, "description": "start or stop"},
		}, []string{"action"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*monitoringRequest)
		var err error
		switch r.Action {
		case "start":
			err = e.StartMonitoring(ctx)
		case "stop":
			err = e.StopMonitoring(ctx)
		default:
			return nil, fmt.Errorf("chatwatch: unknown action %q", r.Action)
		}
		if err != nil {
			return nil, err
		}
		return e.Status(ctx)
	}
	e.addTool(srv, tool, endpoint, decodeArgs[monitoringRequest])
}

// --- rediscover ---

func (e *Engine) registerRediscoverTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chatwatch_rediscover",
		Description: "Force a new message container discovery.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		if err := e.Rediscover(ctx); err != nil {
			return nil, err
		}
		return e.Status(ctx)
	}
	e.addTool(srv, tool, endpoint, decodeArgs[emptyRequest])
}

// --- presence config ---

func (e *Engine) registerPresenceConfigTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chatwatch_presence_config",
		Description: "Update the presence monitor. Omitted fields keep their value. Returns the resulting configuration.",
		InputSchema: inputSchema(map[string]any{
			"enabled":     map[string]any{"type": "boolean", "description": "Run the presence monitor"},
			"auto_open":   map[string]any{"type": "boolean", "description": "Open unread conversations (false: report only)"},
			"cooldown_ms": map[string]any{"type": "integer", "description": "Minimum delay between two activations of one conversation"},
			"debounce_ms": map[string]any{"type": "integer", "description": "List re-scan debounce"},
			"concurrency": map[string]any{"type": "integer", "description": "Conversations processed at once"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return e.UpdatePresenceConfig(ctx, *req.(*PresencePatch))
	}
	e.addTool(srv, tool, endpoint, decodeArgs[PresencePatch])
}

// --- presence history ---

type historyRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

func (e *Engine) registerPresenceHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chatwatch_presence_history",
		Description: "List conversations processed by the presence monitor, newest first.",
		InputSchema: inputSchema(map[string]any{
			"conversation_id": map[string]any{"type": "string", "description": "Only this conversation"},
			"limit":           map[string]any{"type": "integer", "description": "Max entries (default 50)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*historyRequest)
		return e.PresenceHistory(ctx, r.ConversationID, r.Limit)
	}
	e.addTool(srv, tool, endpoint, decodeArgs[historyRequest])
}

// --- diagnostics ---

func (e *Engine) registerDiagnosticsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chatwatch_diagnostics",
		Description: "Troubleshooting snapshot: best candidate regions, profile expressions with match counts, document figures.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return e.Diagnostics(ctx)
	}
	e.addTool(srv, tool, endpoint, decodeArgs[emptyRequest])
}
