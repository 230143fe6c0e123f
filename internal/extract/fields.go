package extract

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

// Default metadata sub-regions, used in addition to the profile's own.
var (
	senderExprs = []string{
		`[data-testid="message-sender"]`,
		`[data-sender-name]`,
		`.sender`,
		`.author`,
	}
	idAttrs = []string{"data-message-id", "data-mid", "data-id"}
)

func profileExprs(p *strategy.Profile, pick func(*strategy.Profile) []string, defaults []string) []string {
	if p == nil {
		return defaults
	}
	own := pick(p)
	out := make([]string, 0, len(own)+len(defaults))
	out = append(out, own...)
	return append(out, defaults...)
}

func senderExprsFor(p *strategy.Profile) []string {
	return profileExprs(p, func(p *strategy.Profile) []string { return p.Sender }, senderExprs)
}

func timestampExprsFor(p *strategy.Profile) []string {
	return profileExprs(p, func(p *strategy.Profile) []string { return p.Timestamp }, strategy.TimestampHints)
}

// firstMatch returns the first descendant-or-self of n matching one of
// exprs, trying expressions in order.
func firstMatch(n *html.Node, exprs []string) *html.Node {
	for _, e := range exprs {
		if dom.Matches(n, e) {
			return n
		}
		if m := dom.Query(n, e); m != nil && m != n {
			return m
		}
	}
	return nil
}

// explicitID returns the identifier the host surface put on the node.
func explicitID(n *html.Node) string {
	for _, a := range idAttrs {
		if v := strings.TrimSpace(dom.Attr(n, a)); v != "" {
			return v
		}
	}
	if v := dom.Attr(n, "data-testid"); strings.ContainsAny(v, "0123456789") && strings.ContainsAny(v, ":_-") {
		return v
	}
	return strings.TrimSpace(dom.Attr(n, "id"))
}

// senderOf returns the sender id and display name of a record.
func senderOf(n *html.Node, p *strategy.Profile) (id, name string) {
	for cur := n; dom.IsElement(cur); cur = cur.Parent {
		if v := dom.Attr(cur, "data-sender-id"); v != "" {
			id = v
			break
		}
		if cur != n && strategy.IsRecordLike(cur, p) {
			break
		}
	}
	if v := dom.Attr(n, "data-sender-name"); v != "" {
		return id, v
	}
	if s := firstMatch(n, senderExprsFor(p)); s != nil && s != n {
		if v := dom.Attr(s, "data-sender-name"); v != "" {
			name = v
		} else {
			name = dom.TextContent(s)
		}
	}
	return id, name
}

// isOutbound reports whether the record was sent by the local user.
func isOutbound(n, container *html.Node) bool {
	for cur := n; dom.IsElement(cur) && cur != container; cur = cur.Parent {
		if dom.MatchesAny(cur, strategy.OutboundHints) {
			return true
		}
	}
	return false
}

func hasAttachment(n *html.Node) bool {
	if dom.MatchesAny(n, strategy.AttachmentHints) {
		return true
	}
	for _, e := range strategy.AttachmentHints {
		if dom.Query(n, e) != nil {
			return true
		}
	}
	return false
}

// clockLayouts are tried against timestamp text, most specific first.
var clockLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"January 2, 2006 at 3:04 PM",
	"January 2, 2006, 3:04 PM",
	"Jan 2, 2006, 3:04 PM",
	"Jan 2, 2006 3:04 PM",
	"02/01/2006 15:04",
	"1/2/06, 3:04 PM",
	"3:04 PM",
	"3:04PM",
	"15:04",
}

// timestampOf returns the record time in epoch milliseconds, or 0 when
// nothing parseable was found.
func timestampOf(n *html.Node, p *strategy.Profile, now time.Time) int64 {
	t := firstMatch(n, timestampExprsFor(p))
	if t == nil {
		return 0
	}
	if v := dom.Attr(t, "data-utime"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return secs * 1000
		}
	}
	for _, raw := range []string{dom.Attr(t, "datetime"), dom.Attr(t, "title"), dom.Attr(t, "aria-label"), dom.TextContent(t)} {
		if ms := parseClock(raw, now); ms != 0 {
			return ms
		}
	}
	return 0
}

func parseClock(raw string, now time.Time) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	raw = strings.TrimPrefix(raw, "Today at ")
	for _, layout := range clockLayouts {
		t, err := time.ParseInLocation(layout, raw, now.Location())
		if err != nil {
			continue
		}
		if t.Year() == 0 {
			t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
		}
		return t.UnixMilli()
	}
	return 0
}

// strip removes the metadata sub-regions from a detached clone.
func strip(clone *html.Node, p *strategy.Profile) {
	var exprs []string
	exprs = append(exprs, senderExprsFor(p)...)
	exprs = append(exprs, timestampExprsFor(p)...)
	exprs = append(exprs, strategy.ReactionHints...)
	var doomed []*html.Node
	dom.Walk(clone, func(d *html.Node) bool {
		if d == clone || !dom.IsElement(d) {
			return true
		}
		if dom.MatchesAny(d, exprs) {
			doomed = append(doomed, d)
			return false
		}
		return true
	})
	for _, d := range doomed {
		dom.Detach(d)
	}
}

// bodyText returns the record text from a stripped clone, preferring the
// profile's text regions when present.
func bodyText(clone *html.Node, p *strategy.Profile) string {
	if p != nil {
		for _, e := range p.Text {
			nodes, err := dom.QueryAll(clone, e)
			if err != nil || len(nodes) == 0 {
				continue
			}
			var parts []string
			for _, m := range nodes {
				// Skip regions nested in an already collected one.
				nested := false
				for _, o := range nodes {
					if o != m && dom.IsAncestor(o, m) {
						nested = true
						break
					}
				}
				if !nested {
					if t := dom.TextContent(m); t != "" {
						parts = append(parts, t)
					}
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
		}
	}
	return dom.TextContent(clone)
}
