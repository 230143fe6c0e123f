package conversation

import (
	"testing"

	"github.com/hazyhaar/chatwatch/dom"
)

func TestParseThreadID(t *testing.T) {
	cases := map[string]string{
		"https://www.messenger.com/t/100200":                      "100200",
		"https://www.facebook.com/messages/t/9/":                  "9",
		"/t/abc?x=1":                                              "abc",
		"https://business.facebook.com/latest/inbox?selected_item_id=77": "77",
		"https://example.com/app#/t/42":                           "42",
		"https://example.com/app#room-5":                          "room-5",
		"https://www.messenger.com/":                              "",
		"":                                                        "",
	}
	for in, want := range cases {
		if got := ParseThreadID(in); got != want {
			t.Errorf("ParseThreadID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveChain(t *testing.T) {
	d, err := dom.ParseString(`<html><head><title>(2) Messenger</title></head><body>
<div role="navigation" aria-label="Chats">
  <div role="row" aria-selected="true"><a href="/t/100"><span dir="auto">Ana</span></a></div>
  <div role="row"><a href="/t/200"><span dir="auto">Bo</span></a></div>
</div>
<div role="main"><h2>Ana</h2></div>
</body></html>`, dom.WithURL("https://www.messenger.com/t/999"))
	if err != nil {
		t.Fatal(err)
	}
	r := NewResolver(d)

	ref, ok := r.Resolve()
	if !ok || ref.ID != "100" || ref.Source != SourceEntry || ref.Title != "Ana" {
		t.Fatalf("selected entry: %+v ok=%v", ref, ok)
	}

	// No selection left: the address wins.
	sel := dom.Query(d.Root(), `[aria-selected="true"]`)
	d.RemoveAttr(sel, "aria-selected")
	ref, _ = r.Resolve()
	if ref.ID != "999" || ref.Source != SourceURL {
		t.Fatalf("url: %+v", ref)
	}
	if ref.Title != "Ana" {
		t.Errorf("title = %q, want header text", ref.Title)
	}

	// Neither selection nor address: header anchors.
	d.SetURL("https://www.messenger.com/")
	main := dom.Query(d.Root(), `[role="main"]`)
	if _, err := d.AppendHTML(main, `<a href="/t/555">Cy</a>`); err != nil {
		t.Fatal(err)
	}
	ref, _ = r.Resolve()
	if ref.ID != "555" || ref.Source != SourceAnchor {
		t.Fatalf("anchor: %+v", ref)
	}

	// Nothing live: the last resolved reference is kept.
	d.Remove(dom.Query(main, "a"))
	ref, ok = r.Resolve()
	if !ok || ref.ID != "555" || ref.Source != SourceSticky {
		t.Fatalf("sticky: %+v ok=%v", ref, ok)
	}
}

func TestFromEntry(t *testing.T) {
	d, err := dom.ParseString(`<html><body><ul>
<li id="e1" data-thread-id="t-1"><span class="name">Team</span></li>
<li id="e2"><a href="/t/300"><strong>Dee</strong> last message</a></li>
</ul></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	e1 := FromEntry(dom.Query(d.Root(), "#e1"))
	if e1.ID != "t-1" || e1.Title != "Team" {
		t.Errorf("e1 = %+v", e1)
	}
	e2 := FromEntry(dom.Query(d.Root(), "#e2"))
	if e2.ID != "300" || e2.Title != "Dee" {
		t.Errorf("e2 = %+v", e2)
	}
	if a := Anchor(dom.Query(d.Root(), "#e2")); a == nil || a.Data != "a" {
		t.Error("anchor not found")
	}
}
