// CLAUDE:SUMMARY CSS selector subset compiler and matcher over x/net/html nodes (groups, combinators, attribute operators, :not).
package dom

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector group. Supported syntax:
//   - type and universal: div, *
//   - #id, .class, [attr], [attr=v], [attr~=v], [attr|=v], [attr^=v],
//     [attr$=v], [attr*=v], with an optional " i" case-insensitive flag
//   - :not(compound), :first-child, :last-child, :empty
//   - combinators: descendant (space), child (>), adjacent (+), sibling (~)
//   - groups separated by commas
type Selector struct {
	src    string
	groups []complexSel
}

type complexSel struct {
	parts []compound
	combs []byte // combs[i] joins parts[i] and parts[i+1]
}

type compound struct {
	tag     string
	ids     []string
	classes []string
	attrs   []attrSel
	nots    []compound
	pseudos []string
}

type attrSel struct {
	name string
	op   string
	val  string
	fold bool
}

var compiled sync.Map // string -> *Selector

// Compile parses a CSS selector group. Results are cached.
func Compile(expr string) (*Selector, error) {
	if v, ok := compiled.Load(expr); ok {
		return v.(*Selector), nil
	}
	p := &selParser{s: expr}
	groups, err := p.parseGroup()
	if err != nil {
		return nil, fmt.Errorf("dom: selector %q: %w", expr, err)
	}
	sel := &Selector{src: expr, groups: groups}
	compiled.Store(expr, sel)
	return sel, nil
}

// MustCompile is Compile that panics on error. For package-level tables.
func MustCompile(expr string) *Selector {
	s, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string { return s.src }

// Match reports whether n matches any selector of the group.
func (s *Selector) Match(n *html.Node) bool {
	if !IsElement(n) {
		return false
	}
	for i := range s.groups {
		if s.groups[i].match(n) {
			return true
		}
	}
	return false
}

// QueryAll returns the descendants of root matching s, in document order.
func (s *Selector) QueryAll(root *html.Node) []*html.Node {
	var out []*html.Node
	Walk(root, func(n *html.Node) bool {
		if n != root && s.Match(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Query returns the first descendant of root matching s.
func (s *Selector) Query(root *html.Node) *html.Node {
	var found *html.Node
	Walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n != root && s.Match(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

func (c *complexSel) match(n *html.Node) bool {
	return c.matchAt(n, len(c.parts)-1)
}

func (c *complexSel) matchAt(n *html.Node, i int) bool {
	if !c.parts[i].match(n) {
		return false
	}
	if i == 0 {
		return true
	}
	switch c.combs[i-1] {
	case '>':
		p := n.Parent
		return IsElement(p) && c.matchAt(p, i-1)
	case '+':
		s := prevElement(n)
		return s != nil && c.matchAt(s, i-1)
	case '~':
		for s := prevElement(n); s != nil; s = prevElement(s) {
			if c.matchAt(s, i-1) {
				return true
			}
		}
		return false
	default:
		for p := n.Parent; IsElement(p); p = p.Parent {
			if c.matchAt(p, i-1) {
				return true
			}
		}
		return false
	}
}

func prevElement(n *html.Node) *html.Node {
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func nextElement(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

func (m *compound) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if m.tag != "" && m.tag != "*" && !strings.EqualFold(n.Data, m.tag) {
		return false
	}
	for _, id := range m.ids {
		if Attr(n, "id") != id {
			return false
		}
	}
	for _, c := range m.classes {
		if !HasClass(n, c) {
			return false
		}
	}
	for _, a := range m.attrs {
		if !a.match(n) {
			return false
		}
	}
	for _, p := range m.pseudos {
		switch p {
		case "first-child":
			if prevElement(n) != nil {
				return false
			}
		case "last-child":
			if nextElement(n) != nil {
				return false
			}
		case "empty":
			if n.FirstChild != nil {
				return false
			}
		}
	}
	for i := range m.nots {
		if m.nots[i].match(n) {
			return false
		}
	}
	return true
}

func (a attrSel) match(n *html.Node) bool {
	if !HasAttr(n, a.name) {
		return false
	}
	if a.op == "" {
		return true
	}
	v, want := Attr(n, a.name), a.val
	if a.fold {
		v, want = strings.ToLower(v), strings.ToLower(want)
	}
	switch a.op {
	case "=":
		return v == want
	case "~=":
		for _, f := range strings.Fields(v) {
			if f == want {
				return true
			}
		}
		return false
	case "|=":
		return v == want || strings.HasPrefix(v, want+"-")
	case "^=":
		return want != "" && strings.HasPrefix(v, want)
	case "$=":
		return want != "" && strings.HasSuffix(v, want)
	case "*=":
		return want != "" && strings.Contains(v, want)
	}
	return false
}

// selParser is a small recursive-descent parser over the selector text.
type selParser struct {
	s   string
	pos int
}

func (p *selParser) parseGroup() ([]complexSel, error) {
	var groups []complexSel
	for {
		p.skipSpace()
		c, err := p.parseComplex()
		if err != nil {
			return nil, err
		}
		groups = append(groups, c)
		p.skipSpace()
		if p.pos >= len(p.s) {
			return groups, nil
		}
		if p.s[p.pos] != ',' {
			return nil, fmt.Errorf("unexpected %q at %d", p.s[p.pos], p.pos)
		}
		p.pos++
	}
}

func (p *selParser) parseComplex() (complexSel, error) {
	var c complexSel
	first, err := p.parseCompound()
	if err != nil {
		return c, err
	}
	c.parts = append(c.parts, first)
	for {
		hadSpace := p.skipSpace()
		if p.pos >= len(p.s) || p.s[p.pos] == ',' || p.s[p.pos] == ')' {
			return c, nil
		}
		comb := byte(' ')
		switch p.s[p.pos] {
		case '>', '+', '~':
			comb = p.s[p.pos]
			p.pos++
			p.skipSpace()
		default:
			if !hadSpace {
				return c, fmt.Errorf("unexpected %q at %d", p.s[p.pos], p.pos)
			}
		}
		next, err := p.parseCompound()
		if err != nil {
			return c, err
		}
		c.combs = append(c.combs, comb)
		c.parts = append(c.parts, next)
	}
}

func (p *selParser) parseCompound() (compound, error) {
	var m compound
	start := p.pos
	if p.pos < len(p.s) && p.s[p.pos] == '*' {
		m.tag = "*"
		p.pos++
	} else if id := p.ident(); id != "" {
		m.tag = strings.ToLower(id)
	}
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case '#':
			p.pos++
			id := p.ident()
			if id == "" {
				return m, fmt.Errorf("empty id at %d", p.pos)
			}
			m.ids = append(m.ids, id)
		case '.':
			p.pos++
			cls := p.ident()
			if cls == "" {
				return m, fmt.Errorf("empty class at %d", p.pos)
			}
			m.classes = append(m.classes, cls)
		case '[':
			p.pos++
			a, err := p.parseAttr()
			if err != nil {
				return m, err
			}
			m.attrs = append(m.attrs, a)
		case ':':
			p.pos++
			name := strings.ToLower(p.ident())
			if name == "not" {
				if p.pos >= len(p.s) || p.s[p.pos] != '(' {
					return m, fmt.Errorf(":not without argument at %d", p.pos)
				}
				p.pos++
				p.skipSpace()
				inner, err := p.parseCompound()
				if err != nil {
					return m, err
				}
				p.skipSpace()
				if p.pos >= len(p.s) || p.s[p.pos] != ')' {
					return m, fmt.Errorf("unclosed :not at %d", p.pos)
				}
				p.pos++
				m.nots = append(m.nots, inner)
				continue
			}
			switch name {
			case "first-child", "last-child", "empty":
				m.pseudos = append(m.pseudos, name)
			default:
				return m, fmt.Errorf("unsupported pseudo-class :%s", name)
			}
		default:
			if p.pos == start {
				return m, fmt.Errorf("unexpected %q at %d", p.s[p.pos], p.pos)
			}
			return m, nil
		}
	}
	if p.pos == start {
		return m, fmt.Errorf("empty selector")
	}
	return m, nil
}

func (p *selParser) parseAttr() (attrSel, error) {
	var a attrSel
	p.skipSpace()
	a.name = strings.ToLower(p.ident())
	if a.name == "" {
		return a, fmt.Errorf("empty attribute name at %d", p.pos)
	}
	p.skipSpace()
	if p.pos >= len(p.s) {
		return a, fmt.Errorf("unclosed attribute selector")
	}
	if p.s[p.pos] == ']' {
		p.pos++
		return a, nil
	}
	for _, op := range []string{"~=", "|=", "^=", "$=", "*=", "="} {
		if strings.HasPrefix(p.s[p.pos:], op) {
			a.op = op
			p.pos += len(op)
			break
		}
	}
	if a.op == "" {
		return a, fmt.Errorf("bad attribute operator at %d", p.pos)
	}
	p.skipSpace()
	val, err := p.value()
	if err != nil {
		return a, err
	}
	a.val = val
	p.skipSpace()
	if p.pos < len(p.s) && (p.s[p.pos] == 'i' || p.s[p.pos] == 'I') {
		a.fold = true
		p.pos++
		p.skipSpace()
	}
	if p.pos >= len(p.s) || p.s[p.pos] != ']' {
		return a, fmt.Errorf("unclosed attribute selector at %d", p.pos)
	}
	p.pos++
	return a, nil
}

func (p *selParser) value() (string, error) {
	if p.pos >= len(p.s) {
		return "", fmt.Errorf("missing attribute value")
	}
	q := p.s[p.pos]
	if q != '"' && q != '\'' {
		return p.ident(), nil
	}
	end := strings.IndexByte(p.s[p.pos+1:], q)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at %d", p.pos)
	}
	v := p.s[p.pos+1 : p.pos+1+end]
	p.pos += end + 2
	return v, nil
}

func (p *selParser) ident() string {
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '\\' && p.pos+1 < len(p.s) {
			p.pos += 2
			continue
		}
		if c == '-' || c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80 {
			p.pos++
			continue
		}
		break
	}
	return strings.ReplaceAll(p.s[start:p.pos], `\`, "")
}

func (p *selParser) skipSpace() bool {
	start := p.pos
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t' || p.s[p.pos] == '\n') {
		p.pos++
	}
	return p.pos > start
}
