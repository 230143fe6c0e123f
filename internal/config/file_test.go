package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatwatch.yaml")
	body := []byte(`
page:
  url: https://www.messenger.com/t/100
presence:
  auto_open: false
  cooldown: 5s
pool:
  capacity: 4
sinks:
  - type: webhook
    url: http://localhost:9/hook
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Page.URL != "https://www.messenger.com/t/100" {
		t.Errorf("url = %q", cfg.Page.URL)
	}
	if cfg.Browser.Stealth != "headless" || cfg.Browser.RecycleInterval != 4*time.Hour {
		t.Errorf("browser defaults: %+v", cfg.Browser)
	}
	if cfg.Breaker.Threshold != 3 || cfg.Breaker.ResetTimeout != 30*time.Second {
		t.Errorf("breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.Engine.RetryDelay != 1500*time.Millisecond || cfg.Engine.DiagnosticsInterval != time.Minute {
		t.Errorf("engine defaults: %+v", cfg.Engine)
	}
	// Fields absent from the file keep the presence defaults.
	if !cfg.Presence.Enabled || cfg.Presence.AutoOpen || cfg.Presence.Cooldown != 5*time.Second {
		t.Errorf("presence: %+v", cfg.Presence)
	}
	if cfg.Presence.Debounce != 250*time.Millisecond || cfg.Presence.Concurrency != 1 {
		t.Errorf("presence defaults: %+v", cfg.Presence)
	}
	if got := cfg.Pool.PoolOptions().Capacity; got != 4 {
		t.Errorf("pool capacity = %d, want 4", got)
	}
	if cfg.Extract.PipelineOptions().CacheSize != 1000 {
		t.Errorf("extract cache = %d", cfg.Extract.CacheSize)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Retries != 3 {
		t.Errorf("sinks: %+v", cfg.Sinks)
	}
}

func TestDefaultHasStdoutSink(t *testing.T) {
	cfg := Default()
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Type != "stdout" {
		t.Errorf("sinks = %+v", cfg.Sinks)
	}
	if err := cfg.Validate(); err != nil {
		t.Error(err)
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"stealth": "browser:\n  stealth: invisible\n",
		"webhook": "sinks:\n  - type: webhook\n",
		"sink":    "sinks:\n  - type: nats\n",
		"yaml":    "page: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(body)); err == nil {
				t.Error("want error")
			}
		})
	}
}

func TestHTTPSection(t *testing.T) {
	cfg, err := Parse([]byte("http:\n  addr: 127.0.0.1:8790\n  mcp: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:8790" || !cfg.HTTP.MCP {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if cfg.HTTP.RateLimit != 10 || cfg.HTTP.Burst != 20 {
		t.Errorf("rate limit defaults: %+v", cfg.HTTP)
	}
}
