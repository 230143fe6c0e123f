package chatwatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/chatwatch/connectivity"
	"github.com/hazyhaar/chatwatch/dbopen"
	"github.com/hazyhaar/chatwatch/internal/store"

	_ "modernc.org/sqlite"
)

func testEngineConn(t *testing.T) (*Engine, *connectivity.Router) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	e, c := newTestEngine(t, testConfig(), threadPage, WithDB(db))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	waitFor(t, "records", func() bool { return len(c.messages()) >= 4 })

	router := connectivity.New()
	e.RegisterConnectivity(router)
	return e, router
}

func TestConn_Services(t *testing.T) {
	_, router := testEngineConn(t)
	want := []string{
		"chatwatch_start", "chatwatch_stop", "chatwatch_rediscover",
		"chatwatch_presence_start", "chatwatch_presence_stop",
		"chatwatch_presence_config", "chatwatch_presence_history",
		"chatwatch_diagnostics", "chatwatch_status",
	}
	have := make(map[string]bool)
	for _, s := range router.Services() {
		have[s] = true
	}
	for _, s := range want {
		if !have[s] {
			t.Errorf("service %s not registered", s)
		}
	}
}

func TestConn_Status(t *testing.T) {
	_, router := testEngineConn(t)
	resp, err := router.Call(context.Background(), "chatwatch_status", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var st Status
	if err := json.Unmarshal(resp, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !st.Attached || st.ProfileID == "" {
		t.Errorf("attached=%v profile=%q", st.Attached, st.ProfileID)
	}
	if st.Emitted != 4 {
		t.Errorf("emitted = %d, want 4", st.Emitted)
	}
}

func TestConn_StopStart(t *testing.T) {
	_, router := testEngineConn(t)
	ctx := context.Background()

	resp, err := router.Call(ctx, "chatwatch_stop", nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	var st Status
	json.Unmarshal(resp, &st)
	if st.Monitoring || st.Attached {
		t.Fatalf("after stop: monitoring=%v attached=%v", st.Monitoring, st.Attached)
	}

	if _, err := router.Call(ctx, "chatwatch_start", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "re-attach", func() bool {
		resp, err := router.Call(ctx, "chatwatch_status", nil)
		if err != nil {
			return false
		}
		var st Status
		return json.Unmarshal(resp, &st) == nil && st.Attached
	})
}

func TestConn_PresenceConfigPersisted(t *testing.T) {
	e, router := testEngineConn(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"auto_open": false, "cooldown_ms": 1500})
	resp, err := router.Call(ctx, "chatwatch_presence_config", payload)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var cfg PresenceConfig
	if err := json.Unmarshal(resp, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.AutoOpen || cfg.Cooldown != 1500*time.Millisecond {
		t.Errorf("auto_open=%v cooldown=%v", cfg.AutoOpen, cfg.Cooldown)
	}
	if cfg.Enabled {
		t.Error("patch without enabled must not start presence")
	}

	saved, ok, err := e.store.PresenceConfig(ctx)
	if err != nil || !ok {
		t.Fatalf("stored config: ok=%v err=%v", ok, err)
	}
	if saved != cfg {
		t.Errorf("stored %+v, want %+v", saved, cfg)
	}
}

func TestConn_PresenceConfigBadPayload(t *testing.T) {
	_, router := testEngineConn(t)
	_, err := router.Call(context.Background(), "chatwatch_presence_config", []byte("{not json"))
	var bad *connectivity.ErrBadPayload
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ErrBadPayload", err)
	}
}

func TestConn_PresenceHistory(t *testing.T) {
	e, router := testEngineConn(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t1"} {
		if err := e.store.RecordProcessed(ctx, store.Processed{ConversationID: id, Opened: true, Cleared: true}); err != nil {
			t.Fatalf("RecordProcessed: %v", err)
		}
	}

	payload, _ := json.Marshal(map[string]any{"conversation_id": "t1"})
	resp, err := router.Call(ctx, "chatwatch_presence_history", payload)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var hist []store.Processed
	if err := json.Unmarshal(resp, &hist); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("got %d entries, want 2", len(hist))
	}
	for _, h := range hist {
		if h.ConversationID != "t1" {
			t.Errorf("entry for %s", h.ConversationID)
		}
	}
}

func TestConn_Diagnostics(t *testing.T) {
	_, router := testEngineConn(t)
	resp, err := router.Call(context.Background(), "chatwatch_diagnostics", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var d struct {
		Container  string            `json:"container"`
		Candidates []json.RawMessage `json:"candidates"`
	}
	if err := json.Unmarshal(resp, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Container == "" || len(d.Candidates) == 0 {
		t.Errorf("container=%q candidates=%d", d.Container, len(d.Candidates))
	}
}
