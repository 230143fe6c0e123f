package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/loop"
)

const page = `<html><head></head><body data-cw-id="n1">` +
	`<div id="log" data-cw-id="n2"><div class="msg" data-cw-id="n3">hello</div></div>` +
	`</body></html>`

type fakeSource struct {
	mu      sync.Mutex
	snap    Snapshot
	metrics []Metric
	batches chan []Change
	snaps   int
}

func (f *fakeSource) Snapshot(context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps++
	return f.snap, nil
}

func (f *fakeSource) Layout(context.Context) ([]Metric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics, nil
}

func (f *fakeSource) Changes(ctx context.Context, fn func([]Change)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cs := <-f.batches:
			fn(cs)
		}
	}
}

func start(t *testing.T) (*loop.Loop, context.Context) {
	t.Helper()
	lp := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { lp.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
	return lp, ctx
}

func onLoop(t *testing.T, lp *loop.Loop, fn func()) {
	t.Helper()
	if err := lp.Call(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndApply(t *testing.T) {
	lp, ctx := start(t)
	doc := dom.New(dom.WithScheduler(lp))
	src := &fakeSource{
		snap:    Snapshot{URL: "https://www.messenger.com/t/1", HTML: page},
		metrics: []Metric{{ID: "n2", Width: 600, Height: 400, ScrollHeight: 900, ClientHeight: 400, Overflow: true, FontWeight: 400}},
	}
	reloads := 0
	m := New(doc, lp, src, WithReloadHook(func() { reloads++ }))
	if err := m.Load(ctx); err != nil {
		t.Fatal(err)
	}

	var seen []dom.MutationRecord
	onLoop(t, lp, func() {
		if doc.URL() != "https://www.messenger.com/t/1" || reloads != 1 {
			t.Errorf("url %q reloads %d", doc.URL(), reloads)
		}
		log := m.Lookup("n2")
		if log == nil {
			t.Error("n2 not indexed")
			return
		}
		if b := doc.Layout(log); !b.Scrollable || b.Height != 400 {
			t.Errorf("layout not pinned: %+v", b)
		}
		doc.Observe(log, dom.ObserveOptions{ChildList: true, Subtree: true, Attributes: true}, func(recs []dom.MutationRecord) {
			seen = append(seen, recs...)
		})

		m.Apply([]Change{
			{Kind: ChangeChildList, Target: "n2", Added: []Added{{HTML: `<div class="msg" data-cw-id="n4">new</div>`}}},
			{Kind: ChangeChildList, Target: "n2", Added: []Added{{HTML: `<div class="msg" data-cw-id="n5">first</div>`, Before: "n3"}}},
			{Kind: ChangeAttributes, Target: "n3", Name: "class", Value: "msg read"},
			{Kind: ChangeChildList, Target: "n2", Added: []Added{{HTML: `<div class="msg" data-cw-id="n4">new</div>`}}},
			{Kind: ChangeChildList, Target: "n99", Removed: []string{"n3"}},
		})
	})

	onLoop(t, lp, func() {
		log := m.Lookup("n2")
		var order []string
		for _, c := range dom.Children(log) {
			order = append(order, dom.Attr(c, AttrID))
		}
		if len(order) != 3 || order[0] != "n5" || order[1] != "n3" || order[2] != "n4" {
			t.Errorf("children = %v, want [n5 n3 n4]", order)
		}
		if dom.Attr(m.Lookup("n3"), "class") != "msg read" {
			t.Error("attribute not replayed")
		}
		if len(seen) != 3 {
			t.Errorf("observer saw %d records, want 3", len(seen))
		}
	})
	st := m.Stats()
	if st.Applied != 4 || st.Missed != 1 || st.Loads != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestChildrenReplaceAndRemove(t *testing.T) {
	lp, ctx := start(t)
	doc := dom.New(dom.WithScheduler(lp))
	m := New(doc, lp, &fakeSource{snap: Snapshot{HTML: page}})
	if err := m.Load(ctx); err != nil {
		t.Fatal(err)
	}
	onLoop(t, lp, func() {
		m.Apply([]Change{{Kind: ChangeChildren, Target: "n3", HTML: "edited <b data-cw-id=\"n6\">text</b>"}})
		if got := dom.TextContent(m.Lookup("n3")); got != "edited text" {
			t.Errorf("text = %q", got)
		}
		if m.Lookup("n6") == nil {
			t.Error("n6 not indexed")
		}
		m.Apply([]Change{{Kind: ChangeChildList, Target: "n2", Removed: []string{"n3"}}})
		if m.Lookup("n3") != nil || m.Lookup("n6") != nil {
			t.Error("removed subtree still indexed")
		}
		m.Apply([]Change{{Kind: ChangeNavigate, Value: "https://www.messenger.com/t/2"}})
		if doc.URL() != "https://www.messenger.com/t/2" {
			t.Errorf("url = %q", doc.URL())
		}
	})
}

func TestRunReloadsAfterMisses(t *testing.T) {
	lp, ctx := start(t)
	doc := dom.New(dom.WithScheduler(lp))
	src := &fakeSource{snap: Snapshot{HTML: page}, batches: make(chan []Change, 1)}
	m := New(doc, lp, src, WithResync(10*time.Millisecond), WithMissLimit(1))

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(rctx) }()

	src.batches <- []Change{
		{Kind: ChangeAttributes, Target: "x1", Name: "a"},
		{Kind: ChangeAttributes, Target: "x2", Name: "a"},
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Loads < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if m.Stats().Loads < 2 {
		t.Errorf("loads = %d, want a reload after misses", m.Stats().Loads)
	}
}

func TestIDOfDetached(t *testing.T) {
	doc := dom.New()
	m := New(doc, loop.New(), &fakeSource{})
	if _, err := m.IDOf(&html.Node{Type: html.ElementNode, Data: "div"}); err != errDetached {
		t.Errorf("err = %v", err)
	}
}
