package presence

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/event"
	"github.com/hazyhaar/chatwatch/internal/conversation"
	"github.com/hazyhaar/chatwatch/internal/loop"
	"github.com/hazyhaar/chatwatch/internal/pool"
)

const page = `<html><body>
<div role="navigation" aria-label="Chats">
  <div role="row" id="e1" data-thread-id="c1"><a href="/t/c1"><span class="name">Ana</span></a><span class="preview">see you</span><span class="badge">2</span></div>
  <div role="row" id="e2" data-thread-id="c2"><a href="/t/c2"><span class="name">Bo</span></a></div>
</div>
<div role="main"><div role="log" id="log"></div><div role="textbox" contenteditable="true" id="composer"></div></div>
</body></html>`

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func testConfig() Config {
	return Config{
		Enabled:     true,
		AutoOpen:    true,
		Cooldown:    2 * time.Second,
		Debounce:    10 * time.Millisecond,
		Concurrency: 1,
		Settle:      5 * time.Millisecond,
		OpenTimeout: 500 * time.Millisecond,
	}
}

func setup(t *testing.T, cfg Config, opts ...Option) (*dom.Document, *loop.Loop, *Monitor) {
	t.Helper()
	d, err := dom.ParseString(page)
	if err != nil {
		t.Fatal(err)
	}
	lp := loop.New()
	pl := pool.New(d, lp, pool.Config{})
	opts = append([]Option{WithContainerProbe(func() *html.Node { return dom.Query(d.Root(), "#log") })}, opts...)
	m := New(d, lp, pl, &DOMInteractor{Doc: d, Loop: lp}, cfg, opts...)
	return d, lp, m
}

func TestCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
	results := make(chan Result, 8)
	d, lp, m := setup(t, testConfig(), WithClock(clock.now), WithResultHook(func(r Result) { results <- r }))

	entry := dom.Query(d.Root(), "#e1")
	var focused bool
	d.AddEventListener(entry, "click", func(*dom.Event) {
		if b := dom.Query(entry, ".badge"); b != nil {
			d.Remove(b)
		}
	})
	d.AddEventListener(dom.Query(d.Root(), "#composer"), "focus", func(*dom.Event) { focused = true })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lp.Run(ctx)

	var queued bool
	if err := lp.Call(ctx, func() {
		m.Start(ctx)
		queued = m.Pending("c1")
	}); err != nil {
		t.Fatal(err)
	}
	if !queued {
		t.Fatal("unread conversation not queued on start")
	}

	wait := func() Result {
		t.Helper()
		select {
		case r := <-results:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("no result")
		}
		return Result{}
	}
	r := wait()
	if r.Err != nil || !r.Opened || !r.Cleared || r.MarkedSeen {
		t.Fatalf("result = %+v", r)
	}
	if r.Ref.ID != "c1" || r.Ref.Title != "Ana" {
		t.Errorf("ref = %+v", r.Ref)
	}
	lp.Call(ctx, func() {})
	if !focused {
		t.Error("composer was not focused")
	}

	// Within cooldown: a fresh marker is reported but not queued.
	lp.Call(ctx, func() {
		if _, err := d.AppendHTML(entry, `<span class="badge">1</span>`); err != nil {
			t.Error(err)
		}
		m.Scan()
		queued = m.Pending("c1")
	})
	if queued {
		t.Fatal("queued within cooldown")
	}

	lp.Call(ctx, func() {
		clock.t = clock.t.Add(3 * time.Second)
		m.Scan()
		queued = m.Pending("c1")
	})
	if !queued {
		t.Fatal("not queued after cooldown elapsed")
	}
	if r := wait(); !r.Cleared {
		t.Errorf("second pass = %+v", r)
	}

	lp.Call(ctx, m.Stop)
	m.Wait()
}

func TestUnreadOnlyWithoutAutoOpen(t *testing.T) {
	cfg := testConfig()
	cfg.AutoOpen = false
	var got []event.Unread
	d, lp, m := setup(t, cfg, WithUnreadHook(func(u event.Unread) { got = append(got, u) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lp.Run(ctx)

	var n int
	lp.Call(ctx, func() {
		m.Start(ctx)
		// A second scan does not report the same marker twice.
		n = m.Scan()
	})
	if n != 0 {
		t.Errorf("queued %d with auto-open off", n)
	}
	if len(got) != 1 {
		t.Fatalf("unread events = %d, want 1", len(got))
	}
	u := got[0]
	if u.ConversationID != "c1" || u.Count != 2 || u.Signal != SignalBadge || u.Preview != "see you" {
		t.Errorf("unread = %+v", u)
	}

	// Cleared then marked again: reported again.
	lp.Call(ctx, func() {
		d.Remove(dom.Query(d.Root(), "#e1 .badge"))
		m.Scan()
		e2 := dom.Query(d.Root(), "#e2")
		d.SetAttr(e2, "class", "unread")
		m.Scan()
		m.Stop()
	})
	if len(got) != 2 || got[1].ConversationID != "c2" || got[1].Signal != SignalClass {
		t.Errorf("events = %+v", got)
	}
	m.Wait()
}

type markRecorder struct {
	*DOMInteractor
	marked *[]string
}

func (r markRecorder) MarkSeen(_ context.Context, ref conversation.Ref) error {
	*r.marked = append(*r.marked, ref.ID)
	return nil
}

func TestMarkSeenFallback(t *testing.T) {
	results := make(chan Result, 4)
	var marked []string
	d, err := dom.ParseString(page)
	if err != nil {
		t.Fatal(err)
	}
	lp := loop.New()
	// The container never opens: the monitor falls back to mark-seen.
	cfg := testConfig()
	cfg.OpenTimeout = 20 * time.Millisecond
	act := markRecorder{&DOMInteractor{Doc: d, Loop: lp}, &marked}
	m := New(d, lp, pool.New(d, lp, pool.Config{}), act, cfg,
		WithContainerProbe(func() *html.Node { return nil }),
		WithResultHook(func(r Result) { results <- r }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lp.Run(ctx)
	lp.Call(ctx, func() { m.Start(ctx) })

	select {
	case r := <-results:
		if r.Opened || !r.MarkedSeen || r.Err != nil {
			t.Errorf("result = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
	lp.Call(ctx, m.Stop)
	m.Wait()
	if len(marked) != 1 || marked[0] != "c1" {
		t.Errorf("marked = %v", marked)
	}
}

func TestDOMInteractorMarkSeenUnsupported(t *testing.T) {
	act := &DOMInteractor{}
	if err := act.MarkSeen(context.Background(), conversation.Ref{ID: "x"}); err != ErrMarkSeenUnsupported {
		t.Errorf("err = %v", err)
	}
}

func TestUnreadSignal(t *testing.T) {
	d, err := dom.ParseString(`<html><body><ul>
<li id="a" class="thread unread-thread"><span class="name">A</span></li>
<li id="b"><span class="name">B</span><span data-unread-count="4"></span></li>
<li id="c"><span class="name" style="font-weight: 700">C</span></li>
<li id="d"><span class="name">D</span><span class="badge">0</span></li>
<li id="e"><span class="name">E</span><span class="badge">9+</span></li>
</ul></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		id     string
		signal string
		count  int
	}{
		{"a", SignalClass, 0},
		{"b", SignalBadge, 4},
		{"c", SignalWeight, 0},
		{"d", "", 0},
		{"e", SignalBadge, 9},
	}
	for _, c := range cases {
		sig, n := UnreadSignal(d, dom.Query(d.Root(), "#"+c.id))
		if sig != c.signal || n != c.count {
			t.Errorf("%s: got %q/%d, want %q/%d", c.id, sig, n, c.signal, c.count)
		}
	}
}

func TestConfigApply(t *testing.T) {
	off, cool, conc := false, 5000, 0
	c := DefaultConfig().Apply(Patch{AutoOpen: &off, CooldownMs: &cool, Concurrency: &conc})
	if c.AutoOpen || c.Cooldown != 5*time.Second {
		t.Errorf("patched = %+v", c)
	}
	if c.Concurrency != 1 {
		t.Errorf("concurrency = %d, want default 1", c.Concurrency)
	}
	if !c.Enabled || c.Debounce != 250*time.Millisecond {
		t.Errorf("untouched fields changed: %+v", c)
	}
}

func TestMarkSeenPanicBecomesError(t *testing.T) {
	results := make(chan Result, 4)
	d, err := dom.ParseString(page)
	if err != nil {
		t.Fatal(err)
	}
	lp := loop.New()
	cfg := testConfig()
	cfg.OpenTimeout = 20 * time.Millisecond
	act := &DOMInteractor{Doc: d, Loop: lp, MarkSeenFunc: func(context.Context, conversation.Ref) error {
		panic("host bridge gone")
	}}
	m := New(d, lp, pool.New(d, lp, pool.Config{}), act, cfg,
		WithContainerProbe(func() *html.Node { return nil }),
		WithResultHook(func(r Result) { results <- r }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lp.Run(ctx)
	lp.Call(ctx, func() { m.Start(ctx) })

	select {
	case r := <-results:
		if r.Err == nil || !strings.Contains(r.Err.Error(), "host bridge gone") {
			t.Errorf("result err = %v, want the panic as an error", r.Err)
		}
		if r.MarkedSeen {
			t.Error("marked seen despite the panic")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}

	var pending bool
	lp.Call(ctx, func() { pending = m.Pending("c1") })
	if pending {
		t.Error("conversation still pending after a failed activation")
	}
	lp.Call(ctx, m.Stop)
	m.Wait()
}

// gate blocks Click until released and records how many clicks run at once.
type gate struct {
	*DOMInteractor
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (g *gate) Click(ctx context.Context, _ *html.Node) error {
	n := g.running.Add(1)
	defer g.running.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gated builds n unread conversations whose clicks block on a gate.
func gated(t *testing.T, n int) (*loop.Loop, *gate, *Monitor, chan Result) {
	t.Helper()
	var rows strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&rows, `<div role="row" data-thread-id="c%d"><a href="/t/c%d"><span class="name">N%d</span></a><span class="badge">1</span></div>`, i, i, i)
	}
	d, err := dom.ParseString(`<html><body><div role="navigation" aria-label="Chats">` + rows.String() +
		`</div><div role="main"><div role="log" id="log"></div></div></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	lp := loop.New()
	g := &gate{DOMInteractor: &DOMInteractor{Doc: d, Loop: lp}, release: make(chan struct{})}
	results := make(chan Result, 8)
	m := New(d, lp, pool.New(d, lp, pool.Config{}), g, testConfig(),
		WithContainerProbe(func() *html.Node { return dom.Query(d.Root(), "#log") }),
		WithResultHook(func(r Result) { results <- r }))
	return lp, g, m, results
}

func (g *gate) waitRunning(t *testing.T, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for g.running.Load() != want {
		if time.Now().After(deadline) {
			t.Fatalf("running = %d, want %d", g.running.Load(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRaisedConcurrencyCountsInFlight(t *testing.T) {
	lp, g, m, results := gated(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lp.Run(ctx)
	lp.Call(ctx, func() { m.Start(ctx) })

	waitRunning := func(want int32) {
		t.Helper()
		g.waitRunning(t, want)
	}
	waitRunning(1)

	cfg := testConfig()
	cfg.Concurrency = 2
	lp.Call(ctx, func() { m.UpdateConfig(cfg) })
	waitRunning(2)
	time.Sleep(50 * time.Millisecond)
	if p := g.peak.Load(); p != 2 {
		t.Fatalf("peak concurrency = %d after raising the cap to 2, want 2", p)
	}

	close(g.release)
	for i := 0; i < 4; i++ {
		select {
		case <-results:
		case <-time.After(5 * time.Second):
			t.Fatalf("got %d results, want 4", i)
		}
	}
	if p := g.peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	lp.Call(ctx, m.Stop)
	m.Wait()
}

func TestStopCancelsInFlight(t *testing.T) {
	lp, g, m, results := gated(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lp.Run(ctx)
	lp.Call(ctx, func() { m.Start(ctx) })
	g.waitRunning(t, 1)

	var queued int
	lp.Call(ctx, func() {
		m.Stop()
		queued = m.QueueLen()
	})
	if queued != 0 {
		t.Errorf("queue after Stop = %d, want 0", queued)
	}

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight activation not cancelled by Stop")
	}
	lp.Call(ctx, func() {})
	select {
	case r := <-results:
		t.Errorf("result delivered after Stop: %+v", r)
	default:
	}
}
