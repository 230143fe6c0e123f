// CLAUDE:SUMMARY Mutable in-process model of a rendered page: parse, mutate, observe, dispatch events, lay out.
// Package dom models the rendered content tree of a monitored page.
//
// A Document wraps a golang.org/x/net/html tree and is the only way the rest
// of chatwatch changes it: every mutation goes through Document methods so
// that registered observers receive MutationRecords, exactly like a browser
// MutationObserver. The Document is not safe for concurrent use; it belongs
// to a single execution context (see internal/loop).
package dom

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Scheduler posts a function to run later on the goroutine that owns the
// Document. Observer callbacks are delivered through it.
type Scheduler interface {
	Post(fn func())
}

// Document is a mutable content tree with mutation observers, events,
// focus, scroll state and a layout model.
type Document struct {
	root  *html.Node
	url   string
	sched Scheduler

	gen       uint64
	observers []*Observer
	listeners map[*html.Node]map[string][]*listener
	nextLID   int

	active    *html.Node
	scrollTop map[*html.Node]int
	boxes     map[*html.Node]Box
	layout    *layoutCache
}

// Option configures a Document.
type Option func(*Document)

// WithScheduler delivers observer callbacks through s instead of
// synchronously at the end of each mutation.
func WithScheduler(s Scheduler) Option {
	return func(d *Document) { d.sched = s }
}

// WithURL sets the document location.
func WithURL(u string) Option {
	return func(d *Document) { d.url = u }
}

// Parse reads an HTML document.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return newDocument(root, opts...), nil
}

// ParseString is Parse over a string.
func ParseString(s string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(s), opts...)
}

// New returns an empty document (<html><head></head><body></body></html>).
func New(opts ...Option) *Document {
	d, _ := ParseString("<html><head></head><body></body></html>", opts...)
	return d
}

func newDocument(root *html.Node, opts ...Option) *Document {
	d := &Document{
		root:      root,
		listeners: make(map[*html.Node]map[string][]*listener),
		scrollTop: make(map[*html.Node]int),
		boxes:     make(map[*html.Node]Box),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetScheduler replaces the observer delivery scheduler.
func (d *Document) SetScheduler(s Scheduler) { d.sched = s }

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// Generation increases on every structural, attribute or text change.
func (d *Document) Generation() uint64 { return d.gen }

// URL returns the current location.
func (d *Document) URL() string { return d.url }

// SetURL changes the location. Single-page navigations in the host page
// arrive through here.
func (d *Document) SetURL(u string) {
	d.url = u
	d.gen++
}

// Element returns the first element with the given tag in document order.
func (d *Document) Element(a atom.Atom) *html.Node {
	var found *html.Node
	Walk(d.root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return false
		}
		return true
	})
	return found
}

// Body returns the <body> element, or the root when there is none.
func (d *Document) Body() *html.Node {
	if b := d.Element(atom.Body); b != nil {
		return b
	}
	return d.root
}

// Title returns the trimmed text of <title>.
func (d *Document) Title() string {
	if t := d.Element(atom.Title); t != nil {
		return strings.TrimSpace(TextContent(t))
	}
	return ""
}

// Contains reports whether n is attached to this document.
func (d *Document) Contains(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// Replace swaps the whole tree for root. Observers on nodes of the old tree
// stay registered but will never fire again; callers are expected to
// re-discover their targets.
func (d *Document) Replace(root *html.Node) {
	d.root = root
	d.active = nil
	d.scrollTop = make(map[*html.Node]int)
	d.boxes = make(map[*html.Node]Box)
	d.listeners = make(map[*html.Node]map[string][]*listener)
	d.gen++
}

// Render serialises n (and its subtree) as HTML.
func Render(n *html.Node) string {
	var b strings.Builder
	if err := html.Render(&b, n); err != nil {
		return ""
	}
	return b.String()
}

// RenderInner serialises the children of n.
func RenderInner(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return b.String()
}
