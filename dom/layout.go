package dom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Box is the layout of one element: size, scroll capacity, visibility.
type Box struct {
	Width        int  `json:"width"`
	Height       int  `json:"height"`
	ScrollHeight int  `json:"scroll_height"`
	ClientHeight int  `json:"client_height"`
	Hidden       bool `json:"hidden,omitempty"`
	Overflow     bool `json:"overflow,omitempty"` // overflow-y auto or scroll
	Scrollable   bool `json:"scrollable,omitempty"`
	FontWeight   int  `json:"font_weight,omitempty"`
}

// Layout constants used when no measured metrics are available.
const (
	ViewportWidth  = 1280
	ViewportHeight = 800
	LineHeight     = 18
	charsPerLine   = 80
)

// Measured layout attributes written by the live page mirror.
const (
	AttrWidth        = "data-cw-w"
	AttrHeight       = "data-cw-h"
	AttrScrollHeight = "data-cw-sh"
	AttrClientHeight = "data-cw-ch"
	AttrHidden       = "data-cw-hidden"
	AttrOverflow     = "data-cw-ov"
	AttrFontWeight   = "data-cw-fw"
)

type layoutCache struct {
	gen    uint64
	boxes  map[*html.Node]Box
	frames map[*html.Node]frame
}

// frame is what an element inherits from its ancestors. It is resolved
// top-down and never depends on content height, so box(child) may run
// while box(parent) is still being computed.
type frame struct {
	hidden bool
	width  int
}

// SetBox pins measured metrics for n. Pinned boxes win over attributes and
// style heuristics until the next SetBox or ClearBox.
func (d *Document) SetBox(n *html.Node, b Box) {
	d.boxes[n] = b
	d.gen++
}

// ClearBox drops pinned metrics for n.
func (d *Document) ClearBox(n *html.Node) {
	delete(d.boxes, n)
	d.gen++
}

// Layout returns the box of n. Results are cached until the next change.
func (d *Document) Layout(n *html.Node) Box {
	if d.layout == nil || d.layout.gen != d.gen {
		d.layout = &layoutCache{
			gen:    d.gen,
			boxes:  make(map[*html.Node]Box),
			frames: make(map[*html.Node]frame),
		}
	}
	return d.box(n)
}

func (d *Document) box(n *html.Node) Box {
	if b, ok := d.layout.boxes[n]; ok {
		return b
	}
	b := d.compute(n)
	d.layout.boxes[n] = b
	return b
}

func (d *Document) compute(n *html.Node) Box {
	if n == nil {
		return Box{}
	}
	if n.Type != html.ElementNode {
		if n.Parent == nil || n.Type == html.DocumentNode {
			return Box{Width: ViewportWidth, Height: ViewportHeight, ClientHeight: ViewportHeight, ScrollHeight: ViewportHeight}
		}
		return Box{}
	}
	f := d.frame(n)
	if pinned, ok := d.boxes[n]; ok {
		pinned.Hidden = f.hidden
		return pinned
	}
	if f.hidden {
		return Box{Hidden: true}
	}

	style := parseStyle(Attr(n, "style"))
	b := Box{Width: f.width}

	content := d.contentHeight(n)
	fixed := pixels(Attr(n, AttrHeight), pixels(style["height"], -1))
	switch {
	case fixed >= 0:
		b.Height = fixed
	case n.Data == "html" || n.Data == "body":
		b.Height = max(content, ViewportHeight)
	default:
		b.Height = content
		if mh := pixels(style["max-height"], -1); mh >= 0 && mh < content {
			b.Height = mh
		}
	}

	b.ScrollHeight = pixels(Attr(n, AttrScrollHeight), max(content, b.Height))
	b.ClientHeight = pixels(Attr(n, AttrClientHeight), b.Height)

	ov := style["overflow-y"]
	if ov == "" {
		ov = style["overflow"]
	}
	b.Overflow = ov == "auto" || ov == "scroll" || ov == "overlay" || Attr(n, AttrOverflow) == "1"
	b.Scrollable = b.Overflow && b.ScrollHeight > b.ClientHeight

	b.FontWeight = fontWeight(n, style)
	return b
}

func (d *Document) frame(n *html.Node) frame {
	if n == nil || n.Type != html.ElementNode {
		return frame{width: ViewportWidth}
	}
	if f, ok := d.layout.frames[n]; ok {
		return f
	}
	parent := d.frame(n.Parent)
	var f frame
	if pinned, ok := d.boxes[n]; ok {
		f = frame{hidden: parent.hidden || pinned.Hidden, width: pinned.Width}
	} else {
		style := parseStyle(Attr(n, "style"))
		f.hidden = parent.hidden || isHidden(n, style)
		f.width = pixels(Attr(n, AttrWidth), pixels(style["width"], -1))
		if f.width < 0 {
			f.width = parent.width
		}
	}
	if f.hidden {
		f.width = 0
	}
	d.layout.frames[n] = f
	return f
}

// contentHeight stacks child element heights and adds one line per run of
// direct text.
func (d *Document) contentHeight(n *html.Node) int {
	h := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			if c.Data == "script" || c.Data == "style" || c.Data == "head" {
				continue
			}
			h += d.box(c).Height
		case html.TextNode:
			if t := strings.TrimSpace(c.Data); t != "" {
				h += LineHeight * (1 + len([]rune(t))/charsPerLine)
			}
		}
	}
	return h
}

func isHidden(n *html.Node, style map[string]string) bool {
	if HasAttr(n, "hidden") {
		return true
	}
	switch Attr(n, AttrHidden) {
	case "1", "true":
		return true
	}
	if style["display"] == "none" || style["visibility"] == "hidden" {
		return true
	}
	switch n.Data {
	case "script", "style", "template", "noscript", "head":
		return true
	}
	return false
}

func fontWeight(n *html.Node, style map[string]string) int {
	if v := Attr(n, AttrFontWeight); v != "" {
		if w, err := strconv.Atoi(v); err == nil {
			return w
		}
	}
	switch fw := style["font-weight"]; fw {
	case "bold", "bolder":
		return 700
	case "normal", "lighter":
		return 400
	case "":
	default:
		if w, err := strconv.Atoi(fw); err == nil {
			return w
		}
	}
	switch n.Data {
	case "b", "strong", "h1", "h2", "h3", "h4", "h5", "h6", "th":
		return 700
	}
	return 400
}

// parseStyle turns an inline style attribute into lower-cased
// property/value pairs.
func parseStyle(s string) map[string]string {
	out := make(map[string]string)
	for _, decl := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important"))
		out[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(v)
	}
	return out
}

// pixels parses "600", "600px" or "600.5px". def is returned on failure.
func pixels(s string, def int) int {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "px"))
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return int(f)
}
