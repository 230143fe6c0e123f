package chatwatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testImpl = &mcp.Implementation{Name: "chatwatch-test", Version: "0.1.0"}

// mcpSession starts an engine, registers its MCP tools and returns a
// connected client session.
func mcpSession(t *testing.T) (*Engine, *mcp.ClientSession) {
	t.Helper()
	e, c := newTestEngine(t, testConfig(), threadPage)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	waitFor(t, "records", func() bool { return len(c.messages()) >= 4 })

	srv := mcp.NewServer(testImpl, nil)
	e.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return e, session
}

func callToolResult(t *testing.T, session *mcp.ClientSession, name string, args any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result
}

// callTool invokes a tool and returns the JSON text from the first TextContent.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result := callToolResult(t, session, name, args)
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text
}

func TestMCP_Status(t *testing.T) {
	_, session := mcpSession(t)
	text := callTool(t, session, "chatwatch_status", map[string]any{})

	var st Status
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !st.Monitoring || !st.Attached {
		t.Errorf("monitoring=%v attached=%v", st.Monitoring, st.Attached)
	}
	if st.ProfileID != "generic-log" {
		t.Errorf("ProfileID = %q, want %q", st.ProfileID, "generic-log")
	}
}

func TestMCP_Monitoring(t *testing.T) {
	_, session := mcpSession(t)

	text := callTool(t, session, "chatwatch_monitoring", map[string]any{"action": "stop"})
	var st Status
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Monitoring {
		t.Error("monitoring still on after stop")
	}

	text = callTool(t, session, "chatwatch_monitoring", map[string]any{"action": "start"})
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !st.Monitoring {
		t.Error("monitoring off after start")
	}
}

func TestMCP_MonitoringUnknownAction(t *testing.T) {
	_, session := mcpSession(t)
	result := callToolResult(t, session, "chatwatch_monitoring", map[string]any{"action": "pause"})
	err := result.GetError()
	if err == nil {
		t.Fatal("expected a tool error")
	}
	if !strings.Contains(err.Error(), "pause") {
		t.Errorf("error = %v, want it to name the action", err)
	}
}

func TestMCP_PresenceConfig(t *testing.T) {
	e, session := mcpSession(t)
	text := callTool(t, session, "chatwatch_presence_config", map[string]any{
		"concurrency": 3,
		"debounce_ms": 400,
	})

	var cfg PresenceConfig
	if err := json.Unmarshal([]byte(text), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Concurrency)
	}
	st, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Presence.Config != cfg {
		t.Errorf("running config %+v, want %+v", st.Presence.Config, cfg)
	}
}

func TestMCP_PresenceHistoryWithoutStore(t *testing.T) {
	_, session := mcpSession(t)
	result := callToolResult(t, session, "chatwatch_presence_history", map[string]any{})
	if result.GetError() == nil {
		t.Fatal("expected an error without a database")
	}
}

func TestMCP_Diagnostics(t *testing.T) {
	_, session := mcpSession(t)
	text := callTool(t, session, "chatwatch_diagnostics", map[string]any{})
	if !strings.Contains(text, `"candidates"`) || !strings.Contains(text, `"selectors"`) {
		t.Errorf("diagnostics = %s", text)
	}
}
