package locate

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

func parse(t *testing.T, body string) *dom.Document {
	t.Helper()
	d, err := dom.ParseString("<html><body>" + body + "</body></html>")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// The conversation list sits inside the main region, is scrollable and
// holds more record-shaped rows than the real thread.
const trapPage = `
<div role="main" data-cw-h="760">
  <div role="navigation" aria-label="Chats">
    <div role="grid" id="list" data-cw-h="700" data-cw-sh="4000" data-cw-ov="1">
      <div role="row"><a href="/t/1">Ana</a></div>
      <div role="row"><a href="/t/2">Bo</a></div>
      <div role="row"><a href="/t/3">Cy</a></div>
      <div role="row"><a href="/t/4">Di</a></div>
    </div>
  </div>
  <div role="grid" id="thread" data-cw-h="600" data-cw-sh="1200" data-cw-ov="1">
    <div role="row" data-message-id="m1">hello there</div>
    <div role="row" data-message-id="m2">how are you</div>
  </div>
</div>`

func TestCheckProfileSkipsNavigation(t *testing.T) {
	d := parse(t, trapPage)
	l := New(d)
	p, _ := strategy.ByID("messenger-grid")
	if !l.CheckProfile(p) {
		t.Fatal("messenger-grid should validate")
	}
	c, err := l.Locate(context.Background(), strategy.VariantMessenger, &p)
	if err != nil {
		t.Fatal(err)
	}
	if got := dom.Attr(c.Node, "id"); got != "thread" {
		t.Fatalf("located %s, want #thread", dom.Label(c.Node))
	}
	if c.Stage != StageStrategy || c.Soft {
		t.Errorf("stage=%s soft=%v, want strategy hard pass", c.Stage, c.Soft)
	}
	if v := l.Validate(dom.Query(d.Root(), "#list"), strategy.RecordExprs(&p)).Verdict; v != VerdictNavigation {
		t.Errorf("list verdict = %s, want %s", v, VerdictNavigation)
	}
}

func TestLocateNeverReturnsNavigation(t *testing.T) {
	// Only the navigation region holds record-shaped nodes.
	d := parse(t, `
<nav data-cw-h="700" data-cw-sh="3000" data-cw-ov="1">
  <div role="row" data-message-id="a">Ana: see you</div>
  <div role="row" data-message-id="b">Bo: ok</div>
  <div role="row" data-message-id="c">Cy: 12:45</div>
</nav>
<div role="main" data-cw-h="700"><p>Select a conversation</p></div>`)
	l := New(d)
	for _, v := range []strategy.Variant{strategy.VariantMessenger, strategy.VariantGeneric} {
		for _, p := range strategy.ForVariant(v) {
			p := p
			c, err := l.Locate(context.Background(), v, &p)
			if err == nil {
				t.Fatalf("%s/%s: located %s", v, p.ID, dom.Label(c.Node))
			}
			if !errors.Is(err, ErrNoContainer) {
				t.Fatalf("err = %v", err)
			}
		}
	}
}

func TestLocateSoftPassFromProfile(t *testing.T) {
	d := parse(t, `
<div role="main" data-cw-h="700">
  <div role="row" data-message-id="m1">hello</div>
  <div role="row" data-message-id="m2">world</div>
</div>`)
	learned := NewMemoryLearned()
	l := New(d, WithLearnedStore(learned))
	c, err := l.Locate(context.Background(), strategy.VariantGeneric, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Stage != StageProfile || !c.Soft || c.Records != 2 {
		t.Fatalf("got stage=%s soft=%v records=%d", c.Stage, c.Soft, c.Records)
	}
	entries, _ := learned.Learned(context.Background(), strategy.VariantGeneric, 0)
	if len(entries) != 1 || entries[0].Expr != c.Expr || entries[0].Hits != 1 {
		t.Fatalf("learned = %+v", entries)
	}

	// The learned expression is reused on the next pass.
	c2, err := l.Locate(context.Background(), strategy.VariantGeneric, nil)
	if err != nil || c2.Node != c.Node {
		t.Fatalf("second locate: %v %s", err, dom.Label(c2.Node))
	}
}

func TestLocateReverseRecord(t *testing.T) {
	d := parse(t, `
<div class="sidebar" data-cw-h="700"><ul><li><a href="/t/1">Ana</a></li><li><a href="/t/2">Bo</a></li></ul></div>
<div class="pane">
  <div class="chat-history" id="hist" style="height:500px;overflow-y:auto" data-cw-sh="1500">
    <div class="message">first message</div>
    <div class="message">second message</div>
    <div class="message">third message</div>
  </div>
</div>`)
	l := New(d)
	c, err := l.Locate(context.Background(), strategy.VariantGeneric, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dom.Attr(c.Node, "id") != "hist" || c.Stage != StageRecord {
		t.Fatalf("got %s from %s", dom.Label(c.Node), c.Stage)
	}
	if !c.Scrollable || c.Records != 3 {
		t.Errorf("scrollable=%v records=%d", c.Scrollable, c.Records)
	}
}

func TestValidateVerdicts(t *testing.T) {
	d := parse(t, `
<div id="hidden" style="display:none"><div class="message">x</div></div>
<div id="small" data-cw-h="50"><div class="message">x</div></div>
<div id="empty" data-cw-h="500"><p>nothing</p></div>`)
	l := New(d)
	cases := map[string]Verdict{
		"hidden": VerdictHidden,
		"small":  VerdictTooSmall,
		"empty":  VerdictNoRecords,
	}
	for id, want := range cases {
		got := l.Validate(dom.Query(d.Root(), "#"+id), strategy.RecordHints).Verdict
		if got != want {
			t.Errorf("%s: verdict %s, want %s", id, got, want)
		}
	}
}

func TestSurveyAndScorer(t *testing.T) {
	d := parse(t, trapPage)
	calls := 0
	l := New(d, WithScorer(func([]string) Scorer {
		return ScorerFunc(func(n *html.Node) float64 {
			calls++
			return float64(dom.Depth(n))
		})
	}))
	cands := l.Survey(10)
	if len(cands) == 0 {
		t.Fatal("empty survey")
	}
	if !cands[0].OK() {
		t.Errorf("first candidate not a pass: %s %s", dom.Label(cands[0].Node), cands[0].Verdict)
	}
	sawNav := false
	for _, c := range cands {
		if c.Verdict == VerdictNavigation {
			sawNav = true
		}
	}
	if !sawNav {
		t.Error("survey should report the rejected navigation grid")
	}
	if calls == 0 {
		t.Error("custom scorer not used")
	}
}

func TestExprFor(t *testing.T) {
	d := parse(t, trapPage)
	thread := dom.Query(d.Root(), "#thread")
	expr := ExprFor(thread)
	if dom.Query(d.Root(), expr) != thread {
		t.Fatalf("ExprFor = %q does not select the node", expr)
	}
	if looksGenerated("thread") || !looksGenerated(":r1a:") || !looksGenerated("12345ab") {
		t.Error("looksGenerated misclassifies")
	}
}
