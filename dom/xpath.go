package dom

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// XPath evaluates a practical XPath subset against root:
//   - /html/body/div        absolute child steps
//   - //div                 descendant anywhere, also mid-path (//main//ul/li)
//   - * wildcard
//   - predicates [2], [@a], [@a='v'], [contains(@a,'v')], [starts-with(@a,'v')],
//     chained as [..][..]
func XPath(root *html.Node, expr string) ([]*html.Node, error) {
	steps, err := parseXPath(expr)
	if err != nil {
		return nil, err
	}
	ctx := []*html.Node{root}
	for _, st := range steps {
		var next []*html.Node
		seen := make(map[*html.Node]bool)
		for _, c := range ctx {
			bases := []*html.Node{c}
			if st.descendant {
				bases = bases[:0]
				Walk(c, func(n *html.Node) bool {
					if n.Type == html.ElementNode || n.Type == html.DocumentNode {
						bases = append(bases, n)
					}
					return true
				})
			}
			for _, b := range bases {
				for _, m := range st.children(b) {
					if !seen[m] {
						seen[m] = true
						next = append(next, m)
					}
				}
			}
		}
		ctx = next
		if len(ctx) == 0 {
			break
		}
	}
	return ctx, nil
}

type xpathStep struct {
	descendant bool
	tag        string
	preds      []xpathPred
}

type xpathPred struct {
	position int
	fn       string // "", "contains", "starts-with"
	attr     string
	val      string
	hasVal   bool
}

func (st xpathStep) children(parent *html.Node) []*html.Node {
	var out []*html.Node
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (st.tag == "*" || c.Data == st.tag) {
			out = append(out, c)
		}
	}
	for _, p := range st.preds {
		var kept []*html.Node
		for i, n := range out {
			if p.match(n, i+1) {
				kept = append(kept, n)
			}
		}
		out = kept
	}
	return out
}

func (p xpathPred) match(n *html.Node, pos int) bool {
	if p.position > 0 {
		return pos == p.position
	}
	if !HasAttr(n, p.attr) {
		return false
	}
	v := Attr(n, p.attr)
	switch p.fn {
	case "contains":
		return strings.Contains(v, p.val)
	case "starts-with":
		return strings.HasPrefix(v, p.val)
	}
	return !p.hasVal || v == p.val
}

func parseXPath(expr string) ([]xpathStep, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "/") {
		expr = "//" + expr
	}
	var steps []xpathStep
	i := 0
	for i < len(expr) {
		if expr[i] != '/' {
			return nil, fmt.Errorf("dom: xpath %q: expected / at %d", expr, i)
		}
		st := xpathStep{}
		i++
		if i < len(expr) && expr[i] == '/' {
			st.descendant = true
			i++
		}
		start := i
		depth := 0
		for i < len(expr) {
			c := expr[i]
			if c == '\'' || c == '"' {
				end := strings.IndexByte(expr[i+1:], c)
				if end < 0 {
					return nil, fmt.Errorf("dom: xpath %q: unterminated string", expr)
				}
				i += end + 2
				continue
			}
			if c == '[' {
				depth++
			} else if c == ']' {
				depth--
			} else if c == '/' && depth == 0 {
				break
			}
			i++
		}
		raw := expr[start:i]
		if raw == "" {
			return nil, fmt.Errorf("dom: xpath %q: empty step", expr)
		}
		if err := st.parse(raw); err != nil {
			return nil, fmt.Errorf("dom: xpath %q: %w", expr, err)
		}
		steps = append(steps, st)
	}
	return steps, nil
}

func (st *xpathStep) parse(raw string) error {
	idx := strings.IndexByte(raw, '[')
	if idx < 0 {
		st.tag = strings.ToLower(raw)
		return nil
	}
	st.tag = strings.ToLower(raw[:idx])
	rest := raw[idx:]
	for rest != "" {
		if rest[0] != '[' {
			return fmt.Errorf("bad predicate %q", rest)
		}
		end := closingBracket(rest)
		if end < 0 {
			return fmt.Errorf("unclosed predicate %q", rest)
		}
		p, err := parsePred(strings.TrimSpace(rest[1:end]))
		if err != nil {
			return err
		}
		st.preds = append(st.preds, p)
		rest = rest[end+1:]
	}
	return nil
}

func closingBracket(s string) int {
	var quote byte
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ']':
			return i
		}
	}
	return -1
}

func parsePred(s string) (xpathPred, error) {
	var p xpathPred
	if n, err := strconv.Atoi(s); err == nil {
		p.position = n
		return p, nil
	}
	for _, fn := range []string{"contains", "starts-with"} {
		if strings.HasPrefix(s, fn+"(") && strings.HasSuffix(s, ")") {
			args := strings.SplitN(s[len(fn)+1:len(s)-1], ",", 2)
			if len(args) != 2 {
				return p, fmt.Errorf("bad %s() predicate", fn)
			}
			p.fn = fn
			p.attr = strings.TrimPrefix(strings.TrimSpace(args[0]), "@")
			p.val = unquote(strings.TrimSpace(args[1]))
			p.hasVal = true
			return p, nil
		}
	}
	if !strings.HasPrefix(s, "@") {
		return p, fmt.Errorf("unsupported predicate %q", s)
	}
	name, val, ok := strings.Cut(s[1:], "=")
	p.attr = strings.TrimSpace(name)
	if ok {
		p.val = unquote(strings.TrimSpace(val))
		p.hasVal = true
	}
	return p, nil
}

func unquote(s string) string {
	return strings.Trim(s, `'"`)
}

// XPathOf returns the absolute element path of n, with sibling indexes only
// where a same-tag sibling exists (e.g. /html/body/div[2]/ul/li[3]).
func XPathOf(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		idx, total := 0, 0
		if cur.Parent != nil {
			for s := cur.Parent.FirstChild; s != nil; s = s.NextSibling {
				if s.Type == html.ElementNode && s.Data == cur.Data {
					total++
					if s == cur {
						idx = total
					}
				}
			}
		}
		if total > 1 {
			parts = append(parts, fmt.Sprintf("%s[%d]", cur.Data, idx))
		} else {
			parts = append(parts, cur.Data)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}
