package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/chatwatch"
	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/event"
)

const page = `<html><body>
<div role="log" data-cw-h="600" data-cw-sh="1200" data-cw-ov="1">
  <div data-message-id="a1" class="message"><p>first message</p></div>
  <div data-message-id="a2" class="message"><p>second message</p></div>
</div>
</body></html>`

func testServer(t *testing.T) (*chatwatch.Engine, *httptest.Server) {
	t.Helper()
	doc, err := dom.ParseString(page)
	if err != nil {
		t.Fatal(err)
	}
	cfg := chatwatch.DefaultConfig()
	cfg.Presence.Enabled = false
	cfg.HTTP.MCP = true
	cfg.HTTP.RateLimit, cfg.HTTP.Burst = 1000, 1000

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	discard := chatwatch.NewCallbackSink(func(context.Context, event.Message) error { return nil }, nil)
	e, err := chatwatch.New(cfg,
		chatwatch.WithLogger(logger),
		chatwatch.WithDocument(doc),
		chatwatch.WithSinks(discard))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(newRouter(ctx, logger, e, cfg.HTTP))
	t.Cleanup(func() {
		srv.Close()
		e.Stop()
		cancel()
	})
	return e, srv
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitAttached(t *testing.T, base string) chatwatch.Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var st chatwatch.Status
		if doJSON(t, "GET", base+"/api/status", "", &st) == 200 && st.Attached {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("container never attached")
	return chatwatch.Status{}
}

func TestAPI_Health(t *testing.T) {
	_, srv := testServer(t)
	var body map[string]string
	if code := doJSON(t, "GET", srv.URL+"/health", "", &body); code != 200 {
		t.Fatalf("health: got %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAPI_StatusAndMonitoring(t *testing.T) {
	_, srv := testServer(t)
	st := waitAttached(t, srv.URL)
	if st.Emitted != 2 {
		t.Errorf("emitted = %d, want 2", st.Emitted)
	}

	if code := doJSON(t, "POST", srv.URL+"/api/monitoring/stop", "", &st); code != 200 {
		t.Fatalf("stop: got %d", code)
	}
	if st.Monitoring || st.Attached {
		t.Errorf("after stop: %+v", st)
	}
	if code := doJSON(t, "POST", srv.URL+"/api/monitoring/start", "", &st); code != 200 {
		t.Fatalf("start: got %d", code)
	}
	waitAttached(t, srv.URL)
}

func TestAPI_PresenceConfig(t *testing.T) {
	_, srv := testServer(t)

	var cfg chatwatch.PresenceConfig
	if code := doJSON(t, "PATCH", srv.URL+"/api/presence/config", `{"concurrency":2}`, &cfg); code != 200 {
		t.Fatalf("patch: got %d", code)
	}
	if cfg.Concurrency != 2 || cfg.Enabled {
		t.Errorf("patched config = %+v", cfg)
	}

	var got chatwatch.PresenceConfig
	doJSON(t, "GET", srv.URL+"/api/presence/config", "", &got)
	if got != cfg {
		t.Errorf("GET config = %+v, want %+v", got, cfg)
	}

	var errBody map[string]string
	if code := doJSON(t, "PATCH", srv.URL+"/api/presence/config", `{bad`, &errBody); code != 400 {
		t.Errorf("bad patch: got %d", code)
	}
}

func TestAPI_HistoryWithoutDB(t *testing.T) {
	_, srv := testServer(t)
	var body map[string]string
	if code := doJSON(t, "GET", srv.URL+"/api/presence/history", "", &body); code != 404 {
		t.Fatalf("history: got %d, want 404", code)
	}
	if body["error"] == "" {
		t.Error("missing error message")
	}
}

func TestAPI_ConnectivityBridge(t *testing.T) {
	_, srv := testServer(t)
	waitAttached(t, srv.URL)

	var st chatwatch.Status
	if code := doJSON(t, "POST", srv.URL+"/api/call/chatwatch_status", "", &st); code != 200 {
		t.Fatalf("call: got %d", code)
	}
	if !st.Attached {
		t.Error("bridge status not attached")
	}

	var body map[string]string
	if code := doJSON(t, "POST", srv.URL+"/api/call/nope", "", &body); code != 404 {
		t.Errorf("unknown service: got %d, want 404", code)
	}
	if code := doJSON(t, "POST", srv.URL+"/api/call/chatwatch_presence_config", "{bad", &body); code != 400 {
		t.Errorf("bad payload: got %d, want 400", code)
	}
}

func TestAPI_StoppedEngine(t *testing.T) {
	e, srv := testServer(t)
	e.Stop()
	var body map[string]string
	if code := doJSON(t, "GET", srv.URL+"/api/status", "", &body); code != 503 {
		t.Fatalf("status after stop: got %d, want 503", code)
	}
}
