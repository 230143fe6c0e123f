package locate

import (
	"context"
	"sort"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

// maxAncestorHops bounds the upward walks of the reverse lookups.
const maxAncestorHops = 15

// shapes are the known parent -> child pairs of a message list.
var shapes = []struct{ parent, child string }{
	{`[role="main"]`, `[role="grid"]`},
	{`[role="log"]`, `[role="row"]`},
	{`main`, `[role="log"]`},
	{`ul`, `li[data-message-id]`},
	{`ol`, `li[data-message-id]`},
	{`[role="feed"]`, `article`},
	{`[role="list"]`, `[role="listitem"]`},
}

// run is the state of one pass over the document: the record expressions
// in force, the record nodes found so far and the memoized verdicts.
type run struct {
	l       *Locator
	records []string
	scorer  Scorer

	nodes  []*html.Node
	loaded bool
	seen   map[*html.Node]Candidate
}

func (l *Locator) newRun(records []string) *run {
	return &run{
		l:       l,
		records: records,
		scorer:  l.scorer(records),
		seen:    make(map[*html.Node]Candidate),
	}
}

// recordNodes returns every record-like element outside navigation
// regions, within the visit budget.
func (r *run) recordNodes() []*html.Node {
	if r.loaded {
		return r.nodes
	}
	r.loaded = true
	visited := 0
	dom.Walk(r.l.doc.Root(), func(n *html.Node) bool {
		if visited >= r.l.budget {
			return false
		}
		visited++
		if !dom.IsElement(n) {
			return true
		}
		if strategy.NavigationRoot(n) == n {
			return false
		}
		if dom.MatchesAny(n, r.records) {
			r.nodes = append(r.nodes, n)
		}
		return true
	})
	return r.nodes
}

func (r *run) recordsUnder(n *html.Node) int {
	total := 0
	for _, rec := range r.recordNodes() {
		if dom.IsAncestor(n, rec) {
			total++
		}
	}
	return total
}

// check validates n once per run and attaches a score.
func (r *run) check(n *html.Node) Candidate {
	if c, ok := r.seen[n]; ok {
		return c
	}
	c := r.l.validate(n, func() int { return r.recordsUnder(n) })
	if c.Verdict != VerdictNavigation {
		c.Score = r.scorer.Score(n)
	}
	r.seen[n] = c
	return c
}

// fromExprs evaluates each expression in order; the first expression with
// a passing match wins, best score among its matches.
func (r *run) fromExprs(stage Stage, exprs []string) Candidate {
	for _, expr := range exprs {
		nodes, err := dom.QueryAll(r.l.doc.Root(), expr)
		if err != nil {
			r.l.logger.Debug("locate: bad expression", "stage", stage, "expr", expr, "error", err)
			continue
		}
		var best Candidate
		for _, n := range nodes {
			c := r.check(n)
			if c.OK() && (!best.OK() || c.Score > best.Score) {
				best = c
			}
		}
		if best.OK() {
			best.Expr = expr
			return best
		}
	}
	return Candidate{}
}

func (r *run) fromLearned(ctx context.Context, v strategy.Variant) Candidate {
	entries, err := r.l.learned.Learned(ctx, v, 10)
	if err != nil {
		r.l.logger.Warn("locate: load learned expressions", "variant", v, "error", err)
		return Candidate{}
	}
	exprs := make([]string, len(entries))
	for i, e := range entries {
		exprs[i] = e.Expr
	}
	return r.fromExprs(StageLearned, exprs)
}

// fromRecords walks up from each record-like node to the first ancestor
// that can scroll and holds more than one record. When none can scroll,
// the lowest ancestor holding more than one record is checked instead.
func (r *run) fromRecords() Candidate {
	tried := make(map[*html.Node]bool)
	var best Candidate
	for _, rec := range r.recordNodes() {
		var lowest, scroller *html.Node
		hops := 0
		for a := rec.Parent; dom.IsElement(a) && hops < maxAncestorHops; a = a.Parent {
			hops++
			if r.recordsUnder(a) < 2 {
				continue
			}
			if lowest == nil {
				lowest = a
			}
			if r.l.doc.Layout(a).Scrollable {
				scroller = a
				break
			}
		}
		target := scroller
		if target == nil {
			target = lowest
		}
		if target == nil || tried[target] {
			continue
		}
		tried[target] = true
		c := r.check(target)
		if c.OK() && (!best.OK() || betterThan(c, best)) {
			best = c
		}
	}
	return best
}

// fromTimestamps scores the ancestors of timestamp-like leaves and keeps
// the best valid one. Navigation-looking ancestors score negative.
func (r *run) fromTimestamps() Candidate {
	var best Candidate
	tried := make(map[*html.Node]bool)
	visited := 0
	dom.Walk(r.l.doc.Root(), func(n *html.Node) bool {
		if visited >= r.l.budget {
			return false
		}
		visited++
		if !strategy.IsTimestampLike(n) {
			return true
		}
		hops := 0
		for a := n.Parent; dom.IsElement(a) && hops < maxAncestorHops; a = a.Parent {
			hops++
			if tried[a] || a.Data == "body" || a.Data == "html" {
				continue
			}
			tried[a] = true
			c := r.check(a)
			if c.OK() && c.Score > 0 && (!best.OK() || c.Score > best.Score) {
				best = c
			}
		}
		return true
	})
	return best
}

// scan scores every element at least the minimum size, within the visit
// budget. With validOnly it drops candidates that fail validation.
func (r *run) scan(validOnly bool) []Candidate {
	var out []Candidate
	visited := 0
	dom.Walk(r.l.doc.Root(), func(n *html.Node) bool {
		if visited >= r.l.budget {
			return false
		}
		visited++
		if !dom.IsElement(n) {
			return true
		}
		switch n.Data {
		case "html", "body":
			return true
		case "head", "script", "style":
			return false
		}
		box := r.l.doc.Layout(n)
		if box.Hidden {
			return false
		}
		if box.Width < r.l.minWidth || box.Height < r.l.minHeight {
			return true
		}
		c := r.check(n)
		if !validOnly || c.OK() {
			out = append(out, c)
		}
		return true
	})
	return out
}

func (r *run) fromScan() Candidate {
	cands := r.scan(true)
	if len(cands) == 0 {
		return Candidate{}
	}
	sortCandidates(cands)
	return cands[0]
}

func (r *run) fromShapes() Candidate {
	for _, s := range shapes {
		parents, err := dom.QueryAll(r.l.doc.Root(), s.parent)
		if err != nil {
			continue
		}
		var best Candidate
		for _, p := range parents {
			hasChild := false
			for _, ch := range dom.Children(p) {
				if dom.Matches(ch, s.child) {
					hasChild = true
					break
				}
			}
			if !hasChild {
				continue
			}
			c := r.check(p)
			if c.OK() && (!best.OK() || betterThan(c, best)) {
				best = c
			}
		}
		if best.OK() {
			best.Expr = ExprFor(best.Node)
			return best
		}
	}
	return Candidate{}
}

// betterThan prefers hard passes, then score, then record count.
func betterThan(a, b Candidate) bool {
	if a.Soft != b.Soft {
		return !a.Soft
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Records > b.Records
}

// sortCandidates orders by verdict (passes first), then betterThan.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].OK() != cs[j].OK() {
			return cs[i].OK()
		}
		if !cs[i].OK() {
			return cs[i].Score > cs[j].Score
		}
		return betterThan(cs[i], cs[j])
	})
}
