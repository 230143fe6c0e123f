package dom

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ErrNotChild is returned when a reference node is not a child of the
// given parent.
var ErrNotChild = errors.New("dom: node is not a child of parent")

// AppendChild appends child to parent, moving it if it is already in a tree.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.detach(child)
	parent.AppendChild(child)
	d.changed()
	d.notify(MutationRecord{Kind: KindChildList, Target: parent, Added: []*html.Node{child}})
}

// InsertBefore inserts child before ref under parent. A nil ref appends.
func (d *Document) InsertBefore(parent, child, ref *html.Node) error {
	if ref == nil {
		d.AppendChild(parent, child)
		return nil
	}
	if ref.Parent != parent {
		return ErrNotChild
	}
	d.detach(child)
	parent.InsertBefore(child, ref)
	d.changed()
	d.notify(MutationRecord{Kind: KindChildList, Target: parent, Added: []*html.Node{child}})
	return nil
}

// Remove detaches n from its parent.
func (d *Document) Remove(n *html.Node) {
	if n == nil || n.Parent == nil {
		return
	}
	d.detach(n)
}

func (d *Document) detach(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	// Records must be matched while the parent is still reachable.
	rec := MutationRecord{Kind: KindChildList, Target: parent, Removed: []*html.Node{n}}
	parent.RemoveChild(n)
	if d.active == n || IsAncestor(n, d.active) {
		d.active = nil
	}
	d.changed()
	d.notify(rec)
}

// ReplaceChildren removes every child of parent and appends nodes.
func (d *Document) ReplaceChildren(parent *html.Node, nodes ...*html.Node) {
	var removed []*html.Node
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling
		parent.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for _, n := range nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		parent.AppendChild(n)
	}
	d.changed()
	d.notify(MutationRecord{Kind: KindChildList, Target: parent, Added: nodes, Removed: removed})
}

// SetAttr sets key=val on n.
func (d *Document) SetAttr(n *html.Node, key, val string) {
	old, had := "", false
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			old, had = n.Attr[i].Val, true
			if old == val {
				return
			}
			n.Attr[i].Val = val
			break
		}
	}
	if !had {
		n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	}
	d.changed()
	d.notify(MutationRecord{Kind: KindAttributes, Target: n, AttributeName: key, OldValue: old})
}

// RemoveAttr deletes key from n.
func (d *Document) RemoveAttr(n *html.Node, key string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			old := n.Attr[i].Val
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			d.changed()
			d.notify(MutationRecord{Kind: KindAttributes, Target: n, AttributeName: key, OldValue: old})
			return
		}
	}
}

// SetText changes the data of a text node, or replaces the children of an
// element with a single text node.
func (d *Document) SetText(n *html.Node, text string) {
	if n.Type == html.TextNode {
		old := n.Data
		if old == text {
			return
		}
		n.Data = text
		d.changed()
		d.notify(MutationRecord{Kind: KindCharacterData, Target: n, OldValue: old})
		return
	}
	d.ReplaceChildren(n, &html.Node{Type: html.TextNode, Data: text})
}

// ParseFragment parses markup in the context of parent without inserting it.
func (d *Document) ParseFragment(parent *html.Node, markup string) ([]*html.Node, error) {
	ctx := parent
	if ctx == nil || ctx.Type != html.ElementNode {
		ctx = d.Body()
	}
	if ctx.Type != html.ElementNode {
		ctx = &html.Node{Type: html.ElementNode, Data: "body"}
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	return nodes, nil
}

// AppendHTML parses markup and appends the resulting nodes to parent as a
// single childList mutation.
func (d *Document) AppendHTML(parent *html.Node, markup string) ([]*html.Node, error) {
	return d.InsertHTML(parent, nil, markup)
}

// InsertHTML parses markup and inserts the nodes before ref (nil appends).
func (d *Document) InsertHTML(parent, ref *html.Node, markup string) ([]*html.Node, error) {
	if ref != nil && ref.Parent != parent {
		return nil, ErrNotChild
	}
	nodes, err := d.ParseFragment(parent, markup)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	for _, n := range nodes {
		if ref != nil {
			parent.InsertBefore(n, ref)
		} else {
			parent.AppendChild(n)
		}
	}
	d.changed()
	d.notify(MutationRecord{Kind: KindChildList, Target: parent, Added: nodes})
	return nodes, nil
}

func (d *Document) changed() {
	d.gen++
}
