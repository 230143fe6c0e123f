// Package conversation resolves which conversation a page region belongs
// to. The same chain serves the record pipeline and the presence monitor:
// selected list entry, then page address, then anchor attributes, then the
// last reference that resolved.
package conversation

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

// Sources of a resolved reference.
const (
	SourceEntry  = "entry"
	SourceURL    = "url"
	SourceAnchor = "anchor"
	SourceSticky = "sticky"
)

// Ref identifies a conversation.
type Ref struct {
	ID     string     `json:"id"`
	Title  string     `json:"title,omitempty"`
	Source string     `json:"source,omitempty"`
	Entry  *html.Node `json:"-"`
}

// Valid reports whether the reference carries an identifier.
func (r Ref) Valid() bool { return r.ID != "" }

var (
	selectedExprs = []string{
		`[aria-selected="true"]`,
		`[aria-current="page"]`,
		`[aria-current="true"]`,
		`.selected`,
		`.active`,
	}
	idDataAttrs   = []string{"data-conversation-id", "data-thread-id", "data-thread-key", "data-id"}
	titleSuffixes = []string{" | Messenger", " | Facebook", " | Meta Business Suite", " - Messenger"}
)

// Resolver runs the resolution chain against a document. Not safe for
// concurrent use.
type Resolver struct {
	doc  *dom.Document
	last Ref
}

// NewResolver creates a Resolver.
func NewResolver(doc *dom.Document) *Resolver {
	return &Resolver{doc: doc}
}

// Last returns the last reference that resolved.
func (r *Resolver) Last() Ref { return r.last }

// Forget clears the sticky reference.
func (r *Resolver) Forget() { r.last = Ref{} }

// Resolve returns the conversation currently open. When no live signal
// resolves it falls back to the last resolved reference; ok is false only
// when nothing ever resolved.
func (r *Resolver) Resolve() (Ref, bool) {
	for _, step := range []func() Ref{r.fromSelected, r.fromURL, r.fromAnchors} {
		ref := step()
		if !ref.Valid() {
			continue
		}
		if ref.Title == "" {
			ref.Title = r.title()
		}
		r.last = ref
		return ref, true
	}
	if r.last.Valid() {
		ref := r.last
		ref.Source = SourceSticky
		return ref, true
	}
	return Ref{}, false
}

func (r *Resolver) fromSelected() Ref {
	for _, nav := range navRegions(r.doc.Root()) {
		for _, e := range selectedExprs {
			sel := dom.Query(nav, e)
			if sel == nil {
				continue
			}
			if ref := FromEntry(sel); ref.Valid() {
				ref.Source = SourceEntry
				return ref
			}
		}
	}
	return Ref{}
}

func (r *Resolver) fromURL() Ref {
	id := ParseThreadID(r.doc.URL())
	if id == "" {
		return Ref{}
	}
	return Ref{ID: id, Source: SourceURL}
}

// fromAnchors looks outside navigation regions for data attributes or
// links naming a thread, such as the conversation header.
func (r *Resolver) fromAnchors() Ref {
	var found Ref
	dom.Walk(r.doc.Root(), func(n *html.Node) bool {
		if found.Valid() {
			return false
		}
		if !dom.IsElement(n) {
			return true
		}
		if strategy.NavigationRoot(n) == n {
			return false
		}
		for _, a := range idDataAttrs[:3] {
			if v := dom.Attr(n, a); v != "" {
				found = Ref{ID: v, Source: SourceAnchor}
				return false
			}
		}
		if n.Data == "a" {
			if id := ParseThreadID(dom.Attr(n, "href")); id != "" {
				found = Ref{ID: id, Title: strings.TrimSpace(dom.TextContent(n)), Source: SourceAnchor}
				return false
			}
		}
		return true
	})
	return found
}

func (r *Resolver) title() string {
	if main := dom.Query(r.doc.Root(), `[role="main"]`); main != nil {
		for _, e := range []string{`h1`, `h2`, `[data-testid="conversation-title"]`} {
			if h := dom.Query(main, e); h != nil {
				if t := strings.TrimSpace(dom.TextContent(h)); t != "" {
					return t
				}
			}
		}
	}
	t := r.doc.Title()
	for _, s := range titleSuffixes {
		t = strings.TrimSuffix(t, s)
	}
	// Unread counters such as "(3) Messenger" carry no conversation name.
	if strings.HasPrefix(t, "(") {
		if _, rest, ok := strings.Cut(t, ") "); ok {
			t = rest
		}
	}
	return strings.TrimSpace(t)
}

// FromEntry resolves a conversation-list entry: its own data attributes,
// then the thread link inside it, then its aria-label or text as title.
func FromEntry(entry *html.Node) Ref {
	if !dom.IsElement(entry) {
		return Ref{}
	}
	ref := Ref{Entry: entry}
	for cur := entry; dom.IsElement(cur) && ref.ID == ""; cur = cur.Parent {
		for _, a := range idDataAttrs {
			if v := dom.Attr(cur, a); v != "" {
				ref.ID = v
				break
			}
		}
		if strategy.NavigationRoot(cur) == cur {
			break
		}
	}
	link := Anchor(entry)
	if ref.ID == "" && link != nil {
		ref.ID = ParseThreadID(dom.Attr(link, "href"))
	}
	ref.Title = EntryTitle(entry)
	return ref
}

// Anchor returns the interactive element of a list entry: the thread
// link, any link, a button, or the entry itself when it is one.
func Anchor(entry *html.Node) *html.Node {
	if entry == nil {
		return nil
	}
	if entry.Data == "a" || dom.Attr(entry, "role") == "link" {
		return entry
	}
	for _, e := range []string{`a[href*="/t/"]`, `a[href]`, `[role="link"]`, `[role="button"]`, `button`} {
		if a := dom.Query(entry, e); a != nil {
			return a
		}
	}
	if p := entry.Parent; p != nil && p.Data == "a" {
		return p
	}
	return nil
}

// EntryTitle returns the display name of a list entry.
func EntryTitle(entry *html.Node) string {
	for _, e := range []string{`[data-testid="conversation-name"]`, `.name`, `.title`, `strong`, `span[dir="auto"]`} {
		if n := dom.Query(entry, e); n != nil {
			if t := strings.TrimSpace(dom.TextContent(n)); t != "" {
				return t
			}
		}
	}
	if v := dom.Attr(entry, "aria-label"); v != "" {
		return v
	}
	t := dom.TextContent(entry)
	if len([]rune(t)) > 60 {
		t = string([]rune(t)[:60])
	}
	return t
}

// ParseThreadID extracts a thread identifier from an address or href:
// a /t/<id> path segment, a thread query parameter, or a #<id> fragment.
func ParseThreadID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, s := range segs {
		if s == "t" && i+1 < len(segs) && segs[i+1] != "" {
			return segs[i+1]
		}
	}
	q := u.Query()
	for _, k := range []string{"selected_item_id", "thread_id", "threadID", "conversation_id"} {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	if f := strings.TrimPrefix(u.Fragment, "/"); f != "" && !strings.ContainsAny(f, " =&") {
		if id := ParseThreadID("/" + f); id != "" {
			return id
		}
		return f
	}
	return ""
}

func navRegions(root *html.Node) []*html.Node {
	var out []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if dom.IsElement(n) && strategy.NavigationRoot(n) == n {
			out = append(out, n)
			return false
		}
		return true
	})
	return out
}
