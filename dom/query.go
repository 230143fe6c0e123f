package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// IsXPath reports whether expr is written as XPath rather than CSS.
func IsXPath(expr string) bool {
	expr = strings.TrimSpace(expr)
	return strings.HasPrefix(expr, "/") || strings.HasPrefix(expr, "(")
}

// QueryAll evaluates a CSS or XPath expression below root.
func QueryAll(root *html.Node, expr string) ([]*html.Node, error) {
	if IsXPath(expr) {
		return XPath(root, strings.Trim(expr, "()"))
	}
	sel, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return sel.QueryAll(root), nil
}

// Query is QueryAll limited to the first match. Invalid expressions match
// nothing.
func Query(root *html.Node, expr string) *html.Node {
	if !IsXPath(expr) {
		sel, err := Compile(expr)
		if err != nil {
			return nil
		}
		return sel.Query(root)
	}
	nodes, err := QueryAll(root, expr)
	if err != nil || len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// Matches reports whether n matches a CSS expression. XPath expressions
// are evaluated from the top of n's tree.
func Matches(n *html.Node, expr string) bool {
	if !IsElement(n) {
		return false
	}
	if !IsXPath(expr) {
		sel, err := Compile(expr)
		return err == nil && sel.Match(n)
	}
	top := n
	for top.Parent != nil {
		top = top.Parent
	}
	nodes, err := QueryAll(top, expr)
	if err != nil {
		return false
	}
	for _, m := range nodes {
		if m == n {
			return true
		}
	}
	return false
}

// MatchesAny reports whether n matches one of exprs.
func MatchesAny(n *html.Node, exprs []string) bool {
	for _, e := range exprs {
		if Matches(n, e) {
			return true
		}
	}
	return false
}

// Closest returns n or its nearest ancestor matching expr.
func Closest(n *html.Node, expr string) *html.Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if Matches(cur, expr) {
			return cur
		}
	}
	return nil
}

// ClosestAny is Closest over several expressions.
func ClosestAny(n *html.Node, exprs []string) *html.Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if MatchesAny(cur, exprs) {
			return cur
		}
	}
	return nil
}

// Count returns how many nodes expr matches below root, or -1 when the
// expression does not compile.
func Count(root *html.Node, expr string) int {
	nodes, err := QueryAll(root, expr)
	if err != nil {
		return -1
	}
	return len(nodes)
}
