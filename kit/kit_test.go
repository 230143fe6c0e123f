package kit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)
func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}
	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}
	want := []string{"a_before", "b_before", "endpoint", "b_after", "a_after"}
	if len(order) != len(want) {
		t.Fatalf("order: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], want[i])
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) { return nil, errFail }
	noop := func(next Endpoint) Endpoint { return next }
	if _, err := Chain(noop)(base)(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestContextDefaults(t *testing.T) {
	ctx := context.Background()
	if GetTransport(ctx) != "local" {
		t.Errorf("default transport: got %q", GetTransport(ctx))
	}
	ctx = WithRequestID(WithTransport(ctx, "http"), "r1")
	if GetTransport(ctx) != "http" || GetRequestID(ctx) != "r1" {
		t.Errorf("got %q %q", GetTransport(ctx), GetRequestID(ctx))
	}
}

func TestRecover(t *testing.T) {
	boom := func(context.Context, any) (any, error) { panic("boom") }
	_, err := Recover()(boom)(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want panic error", err)
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	fail := func(context.Context, any) (any, error) { return nil, errors.New("nope") }

	ctx := WithRequestID(context.Background(), "req-7")
	if _, err := Logging(logger, "probe")(fail)(ctx, nil); err == nil {
		t.Fatal("error swallowed")
	}
	out := buf.String()
	for _, want := range []string{"endpoint=probe", "request_id=req-7", "level=WARN", "error=nope"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
}

func TestRegisterMCPTool(t *testing.T) {
	srv := mcp.NewServer(&mcp.Implementation{Name: "kit-test", Version: "0"}, nil)

	var gotTransport, gotID string
	echo := func(ctx context.Context, req any) (any, error) {
		gotTransport, gotID = GetTransport(ctx), GetRequestID(ctx)
		return map[string]string{"ok": "yes"}, nil
	}
	boom := func(context.Context, any) (any, error) { panic("kaboom") }
	decode := func(*mcp.CallToolRequest) (*MCPDecodeResult, error) {
		return &MCPDecodeResult{Request: struct{}{}}, nil
	}
	schema := map[string]any{"type": "object", "properties": map[string]any{}}
	RegisterMCPTool(srv, &mcp.Tool{Name: "echo", InputSchema: schema}, echo, decode)
	RegisterMCPTool(srv, &mcp.Tool{Name: "boom", InputSchema: schema}, boom, decode, Recover())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, ct := mcp.NewInMemoryTransports()
	go func() { _ = srv.Run(ctx, st) }()
	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if res.IsError {
		t.Fatalf("echo returned a tool error")
	}
	if text := res.Content[0].(*mcp.TextContent).Text; text != `{"ok":"yes"}` {
		t.Errorf("echo text = %s", text)
	}
	if gotTransport != "mcp" || gotID == "" {
		t.Errorf("transport=%q request_id=%q", gotTransport, gotID)
	}

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "boom", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("boom: protocol error %v, want tool error", err)
	}
	if !res.IsError {
		t.Error("panic not reported as a tool error")
	}
}
