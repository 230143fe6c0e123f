package chatwatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/event"
	"github.com/hazyhaar/chatwatch/internal/config"
)

const threadPage = `<html><head><title>Team</title></head><body>
<div role="log" id="thread" data-cw-h="600" data-cw-sh="1200" data-cw-ov="1">
  <div data-message-id="m1" class="message"><p>good morning</p></div>
  <div data-message-id="m2" class="message"><p>standup in five</p></div>
  <div data-message-id="m2" class="message"><p>standup in five</p></div>
  <div data-message-id="m3" class="message"><p>on my way</p></div>
  <div data-message-id="m4" class="message"><p>room B please</p></div>
</div>
</body></html>`

// Records exist only inside the navigation region, so no container
// passes validation.
const navOnlyPage = `<html><body>
<nav data-cw-h="700" data-cw-sh="3000" data-cw-ov="1">
  <div role="row" data-message-id="a">Ana: see you</div>
  <div role="row" data-message-id="b">Bo: ok</div>
</nav>
<div role="main" data-cw-h="700"><p>Select a conversation</p></div>
</body></html>`

type collector struct {
	mu   sync.Mutex
	msgs []event.Message
}

func (c *collector) sink() Sink {
	return NewCallbackSink(func(_ context.Context, m event.Message) error {
		c.mu.Lock()
		c.msgs = append(c.msgs, m)
		c.mu.Unlock()
		return nil
	}, nil)
}

func (c *collector) messages() []event.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Message(nil), c.msgs...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Presence.Enabled = false
	cfg.Engine.RetryDelay = 10 * time.Millisecond
	cfg.Engine.RediscoverDelay = 20 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, page string, opts ...Option) (*Engine, *collector) {
	t.Helper()
	doc, err := dom.ParseString(page)
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	c := &collector{}
	opts = append([]Option{WithLogger(quietLogger()), WithDocument(doc), WithSinks(c.sink())}, opts...)
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineEmitsExistingAndNewRecords(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e, c := newTestEngine(t, testConfig(), threadPage)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "4 initial records", func() bool { return len(c.messages()) >= 4 })

	err := e.Do(ctx, func(doc *dom.Document) {
		thread := dom.Query(doc.Root(), "#thread")
		if _, err := doc.AppendHTML(thread, `<div data-message-id="m5" class="message"><p>see you there</p></div>`); err != nil {
			t.Errorf("append: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	waitFor(t, "5th record", func() bool { return len(c.messages()) >= 5 })

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	msgs := c.messages()
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	seen := make(map[string]bool)
	for _, m := range msgs {
		if seen[m.ID] {
			t.Errorf("message %s emitted twice", m.ID)
		}
		seen[m.ID] = true
	}
	if got, want := msgs[4].Text, "see you there"; got != want {
		t.Errorf("last text = %q, want %q", got, want)
	}
}

func TestEngineStatus(t *testing.T) {
	e, c := newTestEngine(t, testConfig(), threadPage)
	ctx := context.Background()
	if _, err := e.Status(ctx); err != ErrNotRunning {
		t.Fatalf("Status before Start: err = %v, want ErrNotRunning", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()
	if err := e.Start(ctx); err != ErrStarted {
		t.Errorf("second Start: err = %v, want ErrStarted", err)
	}

	waitFor(t, "records", func() bool { return len(c.messages()) >= 4 })
	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Monitoring || !st.Attached || st.Degraded {
		t.Errorf("monitoring=%v attached=%v degraded=%v", st.Monitoring, st.Attached, st.Degraded)
	}
	if st.Container == "" || st.ProfileID == "" {
		t.Errorf("container=%q profile=%q, want both set", st.Container, st.ProfileID)
	}
	if st.BreakerState != "closed" {
		t.Errorf("breaker = %s, want closed", st.BreakerState)
	}
	if st.Watchers != 1 {
		t.Errorf("watchers = %d, want 1", st.Watchers)
	}
	if st.Emitted != 4 {
		t.Errorf("emitted = %d, want 4", st.Emitted)
	}
}

func TestEngineStopMonitoringDetaches(t *testing.T) {
	e, c := newTestEngine(t, testConfig(), threadPage)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()
	waitFor(t, "records", func() bool { return len(c.messages()) >= 4 })

	if err := e.StopMonitoring(ctx); err != nil {
		t.Fatalf("StopMonitoring: %v", err)
	}
	st, _ := e.Status(ctx)
	if st.Monitoring || st.Attached || st.Watchers != 0 || st.CacheSize != 0 {
		t.Fatalf("after stop: %+v", st)
	}

	// Records added while monitoring is off are not reported.
	_ = e.Do(ctx, func(doc *dom.Document) {
		_, _ = doc.AppendHTML(dom.Query(doc.Root(), "#thread"), `<div data-message-id="m9" class="message"><p>missed one</p></div>`)
	})

	// Restarting scans the container again with an empty cache.
	if err := e.Rediscover(ctx); err != nil {
		t.Fatalf("Rediscover: %v", err)
	}
	waitFor(t, "rescan", func() bool { return len(c.messages()) >= 9 })
}

func TestEngineDegradedWhenBreakerOpens(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.Threshold = 1
	cfg.Breaker.ResetTimeout = time.Hour
	e, _ := newTestEngine(t, cfg, navOnlyPage)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	var st Status
	waitFor(t, "degraded attach", func() bool {
		var err error
		st, err = e.Status(ctx)
		return err == nil && st.Degraded
	})
	if st.BreakerState != "open" {
		t.Errorf("breaker = %s, want open", st.BreakerState)
	}
	if !st.Attached || st.Container != "/html/body" {
		t.Errorf("attached=%v container=%q, want body", st.Attached, st.Container)
	}
	// Navigation rows are never reported as messages.
	if st.Emitted != 0 {
		t.Errorf("emitted = %d, want 0", st.Emitted)
	}
}

func TestEnginePanickingAttachCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.Threshold = 1
	cfg.Breaker.ResetTimeout = time.Hour
	broken := func() string { panic("id source gone") }
	e, c := newTestEngine(t, cfg, threadPage, WithIDGenerator(broken))
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	var st Status
	waitFor(t, "breaker to open", func() bool {
		var err error
		st, err = e.Status(ctx)
		return err == nil && st.BreakerState == "open"
	})
	// The body fallback panics too and must not pass for an attach.
	time.Sleep(3 * cfg.Engine.RediscoverDelay)
	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Attached || st.Degraded {
		t.Errorf("attached=%v degraded=%v, want neither", st.Attached, st.Degraded)
	}
	if got := len(c.messages()); got != 0 {
		t.Errorf("got %d messages, want 0", got)
	}
}

func TestEngineDiagnostics(t *testing.T) {
	var (
		mu    sync.Mutex
		diags []event.Diagnostic
	)
	diagSink := &callbackDiagnostics{fn: func(d event.Diagnostic) {
		mu.Lock()
		diags = append(diags, d)
		mu.Unlock()
	}}
	e, c := newTestEngine(t, testConfig(), threadPage, WithSinks(diagSink))
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "records", func() bool { return len(c.messages()) >= 4 })

	d, err := e.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if d.ID == "" || d.Container == "" {
		t.Errorf("id=%q container=%q", d.ID, d.Container)
	}
	if len(d.Candidates) == 0 {
		t.Error("no candidates")
	}
	if len(d.Selectors) == 0 {
		t.Error("no selector matches")
	}
	if d.Document.Elements == 0 || d.Document.Title != "Team" {
		t.Errorf("document = %+v", d.Document)
	}

	// A second request inside the interval is answered but not re-sent.
	if _, err := e.Diagnostics(ctx); err != nil {
		t.Fatalf("second Diagnostics: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(diags) != 1 {
		t.Fatalf("sinks got %d diagnostics, want 1", len(diags))
	}
}

func TestEngineMetricsReported(t *testing.T) {
	reports := make(chan event.Metrics, 16)
	cfg := testConfig()
	cfg.Engine.MetricsInterval = 20 * time.Millisecond
	e, c := newTestEngine(t, cfg, threadPage, WithSinks(&metricsCapture{ch: reports}))
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()
	waitFor(t, "records", func() bool { return len(c.messages()) >= 4 })

	m, err := e.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if !m.Attached || m.Watchers != 1 || m.Emitted != 4 || m.ProfileID == "" {
		t.Errorf("metrics = %+v", m)
	}
	if m.BreakerState != "closed" || m.CacheSize != 4 {
		t.Errorf("breaker=%s cache=%d, want closed and 4", m.BreakerState, m.CacheSize)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case r := <-reports:
			if r.Attached && r.Emitted == 4 {
				return
			}
		case <-deadline:
			t.Fatal("no periodic metrics report reached the sinks")
		}
	}
}

func TestEngineControlAfterStop(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), threadPage)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := e.StartMonitoring(ctx); err != ErrNotRunning {
		t.Errorf("StartMonitoring after Stop: err = %v, want ErrNotRunning", err)
	}
	if _, err := e.PresenceHistory(ctx, "", 0); err != ErrNoStore {
		t.Errorf("PresenceHistory without db: err = %v, want ErrNoStore", err)
	}
}

type callbackDiagnostics struct {
	fn func(event.Diagnostic)
}

func (c *callbackDiagnostics) SendMessage(context.Context, event.Message) error { return nil }
func (c *callbackDiagnostics) SendUnread(context.Context, event.Unread) error   { return nil }
func (c *callbackDiagnostics) SendMetrics(context.Context, event.Metrics) error { return nil }
func (c *callbackDiagnostics) SendDiagnostic(_ context.Context, d event.Diagnostic) error {
	c.fn(d)
	return nil
}
func (c *callbackDiagnostics) Close() error { return nil }

type metricsCapture struct {
	ch chan event.Metrics
}

func (c *metricsCapture) SendMessage(context.Context, event.Message) error { return nil }
func (c *metricsCapture) SendUnread(context.Context, event.Unread) error   { return nil }
func (c *metricsCapture) SendMetrics(_ context.Context, m event.Metrics) error {
	select {
	case c.ch <- m:
	default:
	}
	return nil
}
func (c *metricsCapture) SendDiagnostic(context.Context, event.Diagnostic) error { return nil }
func (c *metricsCapture) Close() error                                           { return nil }
