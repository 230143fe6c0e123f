package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Walk visits root and its descendants in document order. Returning false
// from fn skips the children of the visited node.
func Walk(root *html.Node, fn func(n *html.Node) bool) {
	if root == nil {
		return
	}
	if !fn(root) {
		return
	}
	for c := root.FirstChild; c != nil; {
		next := c.NextSibling
		Walk(c, fn)
		c = next
	}
}

// Elements returns the element descendants of root (root excluded).
func Elements(root *html.Node) []*html.Node {
	var out []*html.Node
	Walk(root, func(n *html.Node) bool {
		if n != root && n.Type == html.ElementNode {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Children returns the element children of n.
func Children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// IsElement reports whether n is an element node.
func IsElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

// Attr returns the value of the key attribute on n.
func Attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether n carries the key attribute.
func HasAttr(n *html.Node, key string) bool {
	if n == nil {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// HasClass reports whether the class attribute of n contains cls as a token.
func HasClass(n *html.Node, cls string) bool {
	for _, c := range strings.Fields(Attr(n, "class")) {
		if c == cls {
			return true
		}
	}
	return false
}

// ClassContains reports whether any class token of n contains sub,
// case-insensitively.
func ClassContains(n *html.Node, sub string) bool {
	sub = strings.ToLower(sub)
	for _, c := range strings.Fields(Attr(n, "class")) {
		if strings.Contains(strings.ToLower(c), sub) {
			return true
		}
	}
	return false
}

// TextContent concatenates the text nodes under n, skipping script and
// style, with runs of whitespace collapsed.
func TextContent(n *html.Node) string {
	var b strings.Builder
	collectText(n, &b)
	return strings.Join(strings.Fields(b.String()), " ")
}

func collectText(n *html.Node, b *strings.Builder) {
	if n == nil {
		return
	}
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	case html.ElementNode:
		if n.Data == "script" || n.Data == "style" || n.Data == "noscript" {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

// IsAncestor reports whether a is a strict ancestor of n.
func IsAncestor(a, n *html.Node) bool {
	if a == nil || n == nil {
		return false
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p == a {
			return true
		}
	}
	return false
}

// Depth returns the number of ancestors of n.
func Depth(n *html.Node) int {
	d := 0
	for p := n.Parent; p != nil; p = p.Parent {
		d++
	}
	return d
}

// Clone returns a detached deep copy of n.
func Clone(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	if len(n.Attr) > 0 {
		c.Attr = make([]html.Attribute, len(n.Attr))
		copy(c.Attr, n.Attr)
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.AppendChild(Clone(ch))
	}
	return c
}

// Detach removes n from its parent without notifying any observer. Only
// meant for detached copies produced by Clone.
func Detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// Label returns a short human description of n for logs and diagnostics,
// e.g. div#main.thread[role=log].
func Label(n *html.Node) string {
	if n == nil {
		return "<nil>"
	}
	if n.Type != html.ElementNode {
		return "#" + nodeTypeName(n.Type)
	}
	var b strings.Builder
	b.WriteString(n.Data)
	if id := Attr(n, "id"); id != "" {
		b.WriteString("#" + id)
	}
	for i, c := range strings.Fields(Attr(n, "class")) {
		if i == 2 {
			break
		}
		b.WriteString("." + c)
	}
	if r := Attr(n, "role"); r != "" {
		b.WriteString("[role=" + r + "]")
	}
	return b.String()
}

func nodeTypeName(t html.NodeType) string {
	switch t {
	case html.TextNode:
		return "text"
	case html.DocumentNode:
		return "document"
	case html.CommentNode:
		return "comment"
	case html.DoctypeNode:
		return "doctype"
	}
	return "node"
}
