package presence

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

// Unread signals, in the order they are checked.
const (
	SignalClass  = "class"
	SignalBadge  = "badge"
	SignalWeight = "weight"
)

// boldWeight is the font weight from which a title reads as emphasized.
const boldWeight = 600

// ListRegion returns the conversation-list region of the page: the
// navigation region holding the most list entries.
func ListRegion(root *html.Node) *html.Node {
	var best *html.Node
	bestCount := -1
	dom.Walk(root, func(n *html.Node) bool {
		if !dom.IsElement(n) || strategy.NavigationRoot(n) != n {
			return true
		}
		if c := len(Entries(n)); c > bestCount {
			best, bestCount = n, c
		}
		return false
	})
	return best
}

// Entries returns the outermost list entries of a region.
func Entries(region *html.Node) []*html.Node {
	var out []*html.Node
	dom.Walk(region, func(n *html.Node) bool {
		if n == region || !dom.IsElement(n) {
			return true
		}
		if dom.MatchesAny(n, strategy.EntryHints) {
			out = append(out, n)
			return false
		}
		return true
	})
	return out
}

// UnreadSignal reports whether entry shows an unread marker: an explicit
// modifier class, a non-zero numeric badge, or an emphasized title. count
// is the badge number when there is one.
func UnreadSignal(doc *dom.Document, entry *html.Node) (signal string, count int) {
	marked := false
	dom.Walk(entry, func(n *html.Node) bool {
		if marked || !dom.IsElement(n) {
			return !marked
		}
		if dom.ClassContains(n, "unread") || strings.Contains(strings.ToLower(dom.Attr(n, "aria-label")), "unread") {
			marked = true
		}
		return !marked
	})
	if marked {
		signal = SignalClass
	}
	for _, b := range badges(entry) {
		v := dom.Attr(b, "data-unread-count")
		if v == "" {
			v = dom.TextContent(b)
		}
		v = strings.TrimSuffix(strings.TrimSpace(v), "+")
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if signal == "" {
				signal = SignalBadge
			}
			return signal, n
		}
	}
	if signal != "" {
		return signal, 0
	}
	if t := titleNode(entry); t != nil && doc.Layout(t).FontWeight >= boldWeight {
		return SignalWeight, 0
	}
	return "", 0
}

func badges(entry *html.Node) []*html.Node {
	var out []*html.Node
	dom.Walk(entry, func(n *html.Node) bool {
		if dom.IsElement(n) && dom.MatchesAny(n, strategy.BadgeHints) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// titleNode returns the element carrying the conversation name.
func titleNode(entry *html.Node) *html.Node {
	for _, e := range []string{`[data-testid="conversation-name"]`, `.name`, `.title`, `span[dir="auto"]`} {
		if n := dom.Query(entry, e); n != nil {
			return n
		}
	}
	return nil
}

// preview returns the last-message preview of an entry.
func preview(entry *html.Node) string {
	for _, e := range []string{`[data-testid="last-message"]`, `.preview`, `.snippet`} {
		if n := dom.Query(entry, e); n != nil {
			return dom.TextContent(n)
		}
	}
	return ""
}
